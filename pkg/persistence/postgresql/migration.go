package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Gate registry and interaction ledger
			CREATE TABLE human_gates (
				run_id TEXT NOT NULL,
				gate_key VARCHAR(128) NOT NULL,
				topic VARCHAR(140) NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (run_id, gate_key)
			);

			CREATE TABLE human_interactions (
				id UUID PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				gate_key VARCHAR(128) NOT NULL,
				topic VARCHAR(140) NOT NULL,
				dedupe_key VARCHAR(200) NOT NULL,
				payload_hash CHAR(64) NOT NULL CHECK (payload_hash ~ '^[0-9a-f]{64}$'),
				payload TEXT NOT NULL,
				origin TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				UNIQUE (workflow_id, gate_key, topic, dedupe_key)
			);

			CREATE INDEX idx_human_interactions_gate ON human_interactions(workflow_id, gate_key, created_at);
		`,
		2: `
			-- Durable execution log
			CREATE TABLE durable_workflows (
				workflow_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				input TEXT NOT NULL,
				status VARCHAR(16) NOT NULL CHECK (status IN ('ENQUEUED', 'PENDING', 'SUCCESS', 'ERROR', 'CANCELLED')),
				output TEXT,
				error TEXT,
				waiting_topic TEXT,
				owner TEXT,
				lease_until BIGINT NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			);

			CREATE INDEX idx_durable_workflows_dispatch ON durable_workflows(status, lease_until);

			CREATE TABLE durable_steps (
				workflow_id TEXT NOT NULL REFERENCES durable_workflows(workflow_id),
				seq INTEGER NOT NULL,
				name TEXT NOT NULL,
				output TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (workflow_id, seq)
			);

			CREATE TABLE durable_events (
				workflow_id TEXT NOT NULL REFERENCES durable_workflows(workflow_id),
				event_key TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (workflow_id, event_key)
			);

			CREATE TABLE durable_signals (
				id UUID PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				topic TEXT NOT NULL,
				dedupe_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				consumed_seq INTEGER,
				created_at BIGINT NOT NULL,
				UNIQUE (workflow_id, topic, dedupe_key)
			);

			CREATE INDEX idx_durable_signals_pending ON durable_signals(workflow_id, topic, consumed_seq, created_at);

			CREATE TABLE durable_waits (
				workflow_id TEXT NOT NULL REFERENCES durable_workflows(workflow_id),
				seq INTEGER NOT NULL,
				topic TEXT NOT NULL,
				deadline_at BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (workflow_id, seq)
			);
		`,
		3: `
			-- A dedupe key identifies one delivery per gate, whatever its topic
			CREATE UNIQUE INDEX idx_human_interactions_dedupe ON human_interactions(workflow_id, gate_key, dedupe_key);
		`,
	}
}
