package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// ChordUnlockTask is the built-in task that polls a chord's header results
// and releases the callback once all of them are terminal.
const ChordUnlockTask = "celerity.chordUnlock"

// ChordUnlockArgs is the payload of a chord-unlock task.
type ChordUnlockArgs struct {
	TaskIDs  []string         `json:"taskIds"`
	Callback domain.Signature `json:"callback"`
}

// Submit publishes a canvas primitive and returns the ids of the tasks
// published now. Tasks released later (chain links, chord callbacks) mint
// their ids when they are published.
func (c *Client) Submit(ctx context.Context, p domain.Primitive) ([]string, error) {
	switch v := p.(type) {
	case domain.Signature:
		id, err := c.submitSignature(ctx, v)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	case domain.Chain:
		return c.submitChain(ctx, v)
	case domain.Group:
		return c.submitGroup(ctx, v)
	case domain.Chord:
		return c.submitChord(ctx, v)
	default:
		return nil, fmt.Errorf("op=client.submit: unsupported primitive %T", p)
	}
}

func (c *Client) submitSignature(ctx context.Context, sig domain.Signature) (string, error) {
	msg, err := c.messageFromSignature(sig)
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// submitChain links the members back to front so each message carries its
// successor, then publishes only the head.
func (c *Client) submitChain(ctx context.Context, chain domain.Chain) ([]string, error) {
	sigs := chain.Signatures(nil)
	if len(sigs) == 0 {
		return nil, nil
	}
	for i := len(sigs) - 2; i >= 0; i-- {
		next, err := json.Marshal(sigs[i+1])
		if err != nil {
			return nil, fmt.Errorf("op=client.submitChain task=%s: %w", sigs[i+1].Task, err)
		}
		sigs[i].Link = string(next)
	}
	id, err := c.submitSignature(ctx, sigs[0])
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (c *Client) submitGroup(ctx context.Context, group domain.Group) ([]string, error) {
	var ids []string
	for _, member := range group.Members {
		memberIDs, err := c.Submit(ctx, member)
		if err != nil {
			return ids, err
		}
		ids = append(ids, memberIDs...)
	}
	return ids, nil
}

// submitChord publishes the header group, then a chord-unlock task that
// re-delays itself until every header result is terminal and finally
// releases the callback with the collected results.
func (c *Client) submitChord(ctx context.Context, chord domain.Chord) ([]string, error) {
	ids, err := c.submitGroup(ctx, chord.Header)
	if err != nil {
		return ids, err
	}
	unlockID, err := c.Delay(ctx, ChordUnlockTask, ChordUnlockArgs{
		TaskIDs:  ids,
		Callback: chord.Callback,
	}, WithCountdown(time.Second), WithoutResult())
	if err != nil {
		return ids, err
	}
	return append(ids, unlockID), nil
}

func (c *Client) messageFromSignature(sig domain.Signature) (domain.TaskMessage, error) {
	queue := sig.Queue
	if queue == "" {
		queue = c.defaultQueue
	}
	contentType := sig.ContentType
	if contentType == "" {
		contentType = c.codec.ContentType()
	}
	msg := domain.TaskMessage{
		ID:          c.NewID(),
		Task:        sig.Task,
		Args:        sig.Args,
		ContentType: contentType,
		Queue:       queue,
		Priority:    sig.Priority,
		MaxRetries:  domain.DefaultMaxRetries,
		Countdown:   sig.Countdown,
		ETA:         sig.ETA,
		Headers:     sig.Headers,
		Timestamp:   c.clock(),
		StoreResult: true,
		Link:        sig.Link,
		LinkError:   sig.LinkError,
	}
	return msg, nil
}

// PublishLink releases a linked signature carrying the finished task's
// result as its args. The executor calls this on terminal outcomes.
func (c *Client) PublishLink(ctx context.Context, rawSignature string, result []byte) (string, error) {
	var sig domain.Signature
	if err := json.Unmarshal([]byte(rawSignature), &sig); err != nil {
		return "", fmt.Errorf("op=client.publishLink: %w", domain.ErrDeserialization)
	}
	if len(sig.Args) == 0 && len(result) > 0 {
		sig.Args = result
	}
	return c.submitSignature(ctx, sig)
}

// ChordUnlockHandler returns the handler for ChordUnlockTask. It retries
// with the poll interval while header tasks are still running; the retry
// does not consume the retry budget.
func ChordUnlockHandler(c *Client, backend domain.ResultBackend, pollInterval time.Duration) func(ctx context.Context, args ChordUnlockArgs) (struct{}, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return func(ctx context.Context, args ChordUnlockArgs) (struct{}, error) {
		results := make([]json.RawMessage, 0, len(args.TaskIDs))
		for _, id := range args.TaskIDs {
			res, err := backend.GetResult(ctx, id)
			if err != nil {
				return struct{}{}, err
			}
			if res == nil || !res.State.IsTerminal() {
				return struct{}{}, &domain.RetryRequestedError{
					Delay:                 pollInterval,
					DoNotIncrementRetries: true,
				}
			}
			if res.State != domain.StateSuccess {
				return struct{}{}, fmt.Errorf("op=client.chordUnlock task_id=%s state=%s: header task did not succeed", id, res.State)
			}
			if len(res.Result) > 0 {
				results = append(results, json.RawMessage(res.Result))
			} else {
				results = append(results, json.RawMessage("null"))
			}
		}
		payload, err := json.Marshal(results)
		if err != nil {
			return struct{}{}, fmt.Errorf("op=client.chordUnlock: %w", err)
		}
		callback := args.Callback
		callback.Args = payload
		if _, err := c.submitSignature(ctx, callback); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
}
