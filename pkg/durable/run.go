package durable

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/hitlgate/pkg/canonical"
	"github.com/dukex/hitlgate/pkg/events"
)

var (
	// errStepTaken aborts a transaction whose step another executor recorded first.
	errStepTaken  = errors.New("step already recorded")
	errNoSignal   = errors.New("no signal yet")
	errSignalRace = errors.New("signal consumed concurrently")
)

type eventRecord struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

type signalOutcome struct {
	Received bool            `json:"received"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// run is the Substrate of one execution attempt. Operations are numbered in call order;
// an operation whose number is already in steps replays instead of executing.
type run struct {
	engine     *Engine
	workflowID string
	steps      map[int]stepRecord
	seq        int
	logger     *slog.Logger
}

func (r *run) WorkflowID() string {
	return r.workflowID
}

func (r *run) next(name string) (int, *stepRecord, error) {
	seq := r.seq
	r.seq++

	record, ok := r.steps[seq]
	if !ok {
		return seq, nil, nil
	}

	if record.name != name {
		return seq, nil, fmt.Errorf("%w: step %d of %s recorded as %q, replayed as %q",
			ErrNondeterministic, seq, r.workflowID, record.name, name)
	}

	return seq, &record, nil
}

// taken loads the record another executor wrote for seq.
func (r *run) taken(ctx context.Context, seq int, name string) (json.RawMessage, error) {
	record, err := r.engine.store.getStep(ctx, r.engine.store.db, r.workflowID, seq)
	if err != nil {
		return nil, err
	}

	if record.name != name {
		return nil, fmt.Errorf("%w: step %d of %s recorded as %q, executed as %q",
			ErrNondeterministic, seq, r.workflowID, record.name, name)
	}

	r.steps[seq] = record

	return record.output, nil
}

func (r *run) remember(seq int, name string, output []byte) {
	r.steps[seq] = stepRecord{name: name, output: json.RawMessage(output)}
}

func (r *run) RunStep(ctx context.Context, name string, fn StepFunc, out any) error {
	seq, recorded, err := r.next(name)
	if err != nil {
		return err
	}

	if recorded != nil {
		return decode(recorded.output, out)
	}

	result, err := fn(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode output of step %s: %w", name, err)
	}

	inserted, err := r.engine.store.insertStep(ctx, r.engine.store.db, r.workflowID, seq, name, encoded, r.engine.now())
	if err != nil {
		return err
	}

	if !inserted {
		encoded, err = r.taken(ctx, seq, name)
		if err != nil {
			return err
		}
	}

	r.remember(seq, name, encoded)

	return decode(encoded, out)
}

func (r *run) SetEvent(ctx context.Context, key string, value any) error {
	name := "setEvent:" + key

	seq, recorded, err := r.next(name)
	if err != nil || recorded != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", key, err)
	}

	store := r.engine.store
	now := r.engine.now()

	err = store.withTx(ctx, func(tx *sql.Tx) error {
		inserted, err := store.insertStep(ctx, tx, r.workflowID, seq, name, []byte("null"), now)
		if err != nil {
			return err
		}

		if !inserted {
			return errStepTaken
		}

		return store.upsertEvent(ctx, tx, r.workflowID, key, encoded, now)
	})
	if errors.Is(err, errStepTaken) {
		_, err = r.taken(ctx, seq, name)

		return err
	}

	if err != nil {
		return err
	}

	r.remember(seq, name, []byte("null"))
	r.engine.eventWritten(ctx, r.workflowID, key)

	return nil
}

func (r *run) SetEventOnce(ctx context.Context, key string, value any) error {
	name := "setEventOnce:" + key

	seq, recorded, err := r.next(name)
	if err != nil || recorded != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", key, err)
	}

	wanted, err := canonical.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to canonicalize event %s: %w", key, err)
	}

	store := r.engine.store
	now := r.engine.now()

	err = store.withTx(ctx, func(tx *sql.Tx) error {
		inserted, err := store.insertStep(ctx, tx, r.workflowID, seq, name, []byte("null"), now)
		if err != nil {
			return err
		}

		if !inserted {
			return errStepTaken
		}

		written, err := store.insertEventOnce(ctx, tx, r.workflowID, key, wanted, now)
		if err != nil || written {
			return err
		}

		existing, _, err := store.getEvent(ctx, tx, r.workflowID, key)
		if err != nil {
			return err
		}

		current, err := canonical.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to canonicalize stored event %s: %w", key, err)
		}

		if !bytes.Equal(current, wanted) {
			return fmt.Errorf("%w: %s of %s", ErrEventAlreadySet, key, r.workflowID)
		}

		return nil
	})
	if errors.Is(err, errStepTaken) {
		_, err = r.taken(ctx, seq, name)

		return err
	}

	if err != nil {
		return err
	}

	r.remember(seq, name, []byte("null"))
	r.engine.eventWritten(ctx, r.workflowID, key)

	return nil
}

func (r *run) GetEvent(ctx context.Context, key string, out any) (bool, error) {
	name := "getEvent:" + key

	seq, recorded, err := r.next(name)
	if err != nil {
		return false, err
	}

	var output json.RawMessage

	if recorded != nil {
		output = recorded.output
	} else {
		value, found, err := r.engine.store.getEvent(ctx, r.engine.store.db, r.workflowID, key)
		if err != nil {
			return false, err
		}

		output, err = json.Marshal(eventRecord{Found: found, Value: value})
		if err != nil {
			return false, fmt.Errorf("failed to encode event read %s: %w", key, err)
		}

		inserted, err := r.engine.store.insertStep(ctx, r.engine.store.db, r.workflowID, seq, name, output, r.engine.now())
		if err != nil {
			return false, err
		}

		if !inserted {
			output, err = r.taken(ctx, seq, name)
			if err != nil {
				return false, err
			}
		}

		r.remember(seq, name, output)
	}

	var record eventRecord

	err = json.Unmarshal(output, &record)
	if err != nil {
		return false, fmt.Errorf("failed to decode event read %s: %w", key, err)
	}

	if !record.Found {
		return false, nil
	}

	return true, decode(record.Value, out)
}

func (r *run) AwaitSignal(ctx context.Context, topic string, timeout time.Duration, out any) (bool, error) {
	name := "awaitSignal:" + topic

	seq, recorded, err := r.next(name)
	if err != nil {
		return false, err
	}

	if recorded != nil {
		return decodeSignal(recorded.output, out)
	}

	engine := r.engine
	store := engine.store

	wake, unsubscribe := engine.notifier.subscribe(signalKey(r.workflowID, topic))
	defer unsubscribe()

	now := engine.now()

	deadline, err := store.waitDeadline(ctx, r.workflowID, seq, topic, now.Add(max(timeout, 0)), now)
	if err != nil {
		return false, err
	}

	err = store.setWaiting(ctx, r.workflowID, topic)
	if err != nil {
		return false, err
	}

	r.logger.DebugContext(ctx, "awaiting signal", "topic", topic, "seq", seq, "deadline_at", deadline.UnixMilli())

	for {
		var output []byte

		err := store.withTx(ctx, func(tx *sql.Tx) error {
			signal, err := store.nextSignal(ctx, tx, r.workflowID, topic, deadline)
			if err != nil {
				return err
			}

			now := engine.now()

			outcome := signalOutcome{}

			if signal == nil {
				if now.Before(deadline) {
					return errNoSignal
				}
			} else {
				consumed, err := store.consumeSignal(ctx, tx, signal.id, seq)
				if err != nil {
					return err
				}

				if !consumed {
					return errSignalRace
				}

				outcome = signalOutcome{Received: true, Payload: signal.payload}
			}

			output, err = json.Marshal(outcome)
			if err != nil {
				return fmt.Errorf("failed to encode signal outcome: %w", err)
			}

			inserted, err := store.insertStep(ctx, tx, r.workflowID, seq, name, output, now)
			if err != nil {
				return err
			}

			if !inserted {
				return errStepTaken
			}

			return nil
		})

		switch {
		case err == nil:
			r.remember(seq, name, output)

			clearErr := store.setWaiting(ctx, r.workflowID, "")
			if clearErr != nil {
				r.logger.WarnContext(ctx, "failed to clear waiting topic", "error", clearErr)
			}

			return decodeSignal(output, out)
		case errors.Is(err, errStepTaken):
			output, err = r.taken(ctx, seq, name)
			if err != nil {
				return false, err
			}

			return decodeSignal(output, out)
		case errors.Is(err, errSignalRace):
			continue
		case errors.Is(err, errNoSignal):
			sleepErr := engine.sleep(ctx, wake, deadline.Sub(engine.now()))
			if sleepErr != nil {
				return false, fmt.Errorf("%w: waiting on %s: %w", ErrInterrupted, topic, sleepErr)
			}
		default:
			return false, err
		}
	}
}

func decodeSignal(output json.RawMessage, out any) (bool, error) {
	var outcome signalOutcome

	err := json.Unmarshal(output, &outcome)
	if err != nil {
		return false, fmt.Errorf("failed to decode signal outcome: %w", err)
	}

	if !outcome.Received {
		return false, nil
	}

	return true, decode(outcome.Payload, out)
}

func (r *run) Enqueue(ctx context.Context, workflowName, workflowID string, input any) error {
	name := "enqueue:" + workflowID

	seq, recorded, err := r.next(name)
	if err != nil || recorded != nil {
		return err
	}

	if _, ok := r.engine.resolver.Workflow(workflowName); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowName)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode input of %s: %w", workflowID, err)
	}

	store := r.engine.store
	now := r.engine.now()

	var created bool

	err = store.withTx(ctx, func(tx *sql.Tx) error {
		inserted, err := store.insertStep(ctx, tx, r.workflowID, seq, name, []byte("null"), now)
		if err != nil {
			return err
		}

		if !inserted {
			return errStepTaken
		}

		created, err = store.insertWorkflow(ctx, tx, workflowID, workflowName, encoded, now)

		return err
	})
	if errors.Is(err, errStepTaken) {
		_, err = r.taken(ctx, seq, name)

		return err
	}

	if err != nil {
		return err
	}

	r.remember(seq, name, []byte("null"))

	if created {
		r.engine.enqueued(ctx, workflowName, workflowID)
	}

	return nil
}

func (e *Engine) eventWritten(ctx context.Context, workflowID, key string) {
	e.notifier.broadcast(eventKey(workflowID, key))
	e.publish(ctx, workflowID, events.EventSet{
		BaseEvent: events.NewBaseEvent(events.EventSetEvent, workflowID),
		Key:       key,
	})
}
