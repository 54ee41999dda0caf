package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/backend"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/model"
	"github.com/ipsix/reconsync/internal/notify"
	"github.com/ipsix/reconsync/internal/registry"
)

const localIDPrefix = "local-"

type SubmitRequest struct {
	Domain   string                 `json:"domain"`
	Priority model.Priority         `json:"priority"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Submit shows a queued record immediately under a temporary id and sends
// the request. The record takes the service's id once accepted and is
// removed if the service rejects it.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	req.Domain = strings.TrimSpace(req.Domain)
	if req.Domain == "" {
		return "", fmt.Errorf("%w: domain is required", ErrInvalidIntent)
	}
	if req.Priority == 0 {
		req.Priority = model.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: priority must be 1, 2 or 3", ErrInvalidIntent)
	}
	tempID := localIDPrefix + uuid.NewString()
	err := e.call(ctx, func(e *Engine) error {
		e.scans.PutActive(registry.Entry{
			Record: model.ScanRecord{
				ID:        tempID,
				Domain:    req.Domain,
				Status:    model.StatusQueued,
				Priority:  req.Priority,
				CreatedAt: e.now(),
				Config:    req.Config,
			},
			Source:  registry.SourceLocal,
			Pending: true,
		})
		e.record(activity.KindIntent, tempID, fmt.Sprintf("scan of %s submitted (%s priority)", req.Domain, req.Priority))
		e.launch(backend.OpSubmit, func(ctx context.Context) (string, error) {
			return e.backend.SubmitScan(ctx, backend.SubmitRequest{Domain: req.Domain, Priority: req.Priority, Config: req.Config})
		}, func(e *Engine, serverID string, err error) {
			e.submitDone(tempID, req.Domain, serverID, err)
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return tempID, nil
}

func (e *Engine) submitDone(tempID, domain, serverID string, err error) {
	if _, loc := e.scans.Lookup(tempID); loc == registry.Absent {
		return
	}
	if err != nil {
		e.scans.Remove(tempID)
		e.record(activity.KindError, tempID, fmt.Sprintf("scan of %s rejected: %s", domain, reason(err)))
		e.notify(notify.SeverityError, "Scan submission failed", reason(err), "")
		return
	}
	if _, loc := e.scans.Lookup(serverID); loc != registry.Absent {
		// The service already reported the scan on another channel.
		e.scans.Remove(tempID)
	} else {
		e.scans.Rekey(tempID, serverID)
		entry, _ := e.scans.Lookup(serverID)
		entry.Pending = false
		e.scans.PutActive(entry)
		e.milestones[serverID] = 0
	}
	e.record(activity.KindIntent, serverID, fmt.Sprintf("scan of %s accepted as %s", domain, serverID))
	e.notify(notify.SeveritySuccess, "Scan queued", fmt.Sprintf("%s queued", domain), serverID)
}

func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.control(ctx, registry.IntentPause, id)
}

func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.control(ctx, registry.IntentResume, id)
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	return e.control(ctx, registry.IntentStop, id)
}

func (e *Engine) control(ctx context.Context, intent registry.Intent, id string) error {
	return e.call(ctx, func(e *Engine) error {
		entry, loc := e.scans.Lookup(id)
		if loc != registry.Active {
			return fmt.Errorf("%w: %s", ErrUnknownScan, id)
		}
		if entry.Pending {
			return fmt.Errorf("%w: scan %s has not been accepted yet", ErrInvalidIntent, id)
		}
		current := entry.Display().Status
		target, ok := intentTarget(intent, current)
		if !ok {
			return fmt.Errorf("%w: cannot %s a %s scan", ErrInvalidIntent, intent, current)
		}
		entry.Overlay = &registry.Overlay{Intent: intent, Status: target}
		e.scans.PutActive(entry)
		e.record(activity.KindIntent, id, fmt.Sprintf("%s requested for scan %s", intent, id))

		var call func(context.Context, string) error
		op := backend.OpPause
		switch intent {
		case registry.IntentPause:
			call = e.backend.PauseScan
		case registry.IntentResume:
			call, op = e.backend.ResumeScan, backend.OpResume
		default:
			call, op = e.backend.StopScan, backend.OpStop
		}
		e.launch(op, func(ctx context.Context) (string, error) {
			return "", call(ctx, id)
		}, func(e *Engine, _ string, err error) {
			e.controlDone(intent, id, err)
		})
		return nil
	})
}

// intentTarget is the optimistic status shown while the request is in
// flight. A stopped scan is shown as completed.
func intentTarget(intent registry.Intent, current model.Status) (model.Status, bool) {
	switch intent {
	case registry.IntentPause:
		return model.StatusPaused, current == model.StatusRunning
	case registry.IntentResume:
		return model.StatusRunning, current == model.StatusPaused
	case registry.IntentStop:
		return model.StatusCompleted, !current.Terminal()
	}
	return "", false
}

func (e *Engine) controlDone(intent registry.Intent, id string, err error) {
	entry, loc := e.scans.Lookup(id)
	owned := loc == registry.Active && entry.Overlay != nil && entry.Overlay.Intent == intent
	if err != nil {
		if owned {
			entry.Overlay = nil
			e.scans.PutActive(entry)
		}
		e.record(activity.KindError, id, fmt.Sprintf("%s of scan %s rejected: %s", intent, id, reason(err)))
		e.notify(notify.SeverityError, fmt.Sprintf("Could not %s scan", intent), reason(err), id)
		return
	}
	if owned {
		entry.Overlay.Confirmed = true
		e.scans.PutActive(entry)
	}
	e.record(activity.KindIntent, id, fmt.Sprintf("%s of scan %s accepted", intent, id))
	e.notify(notify.SeveritySuccess, intentTitle(intent), fmt.Sprintf("%s: %s accepted", id, intent), id)
}

func intentTitle(intent registry.Intent) string {
	switch intent {
	case registry.IntentPause:
		return "Pause accepted"
	case registry.IntentResume:
		return "Resume accepted"
	default:
		return "Stop accepted"
	}
}

// DeleteVulnerability hides the finding at once and restores it if the
// service rejects the delete. An id that is not held locally is a no-op.
func (e *Engine) DeleteVulnerability(ctx context.Context, id string) error {
	return e.call(ctx, func(e *Engine) error {
		if !e.vulns.SoftDelete(id) {
			return nil
		}
		e.record(activity.KindIntent, "", fmt.Sprintf("delete requested for vulnerability %s", id))
		e.launch(backend.OpDelete, func(ctx context.Context) (string, error) {
			return "", e.backend.DeleteVulnerability(ctx, id)
		}, func(e *Engine, _ string, err error) {
			e.deleteDone(id, err)
		})
		return nil
	})
}

func (e *Engine) deleteDone(id string, err error) {
	if err != nil {
		e.vulns.Restore(id)
		e.record(activity.KindError, "", fmt.Sprintf("delete of vulnerability %s rejected: %s", id, reason(err)))
		e.notify(notify.SeverityError, "Could not delete vulnerability", reason(err), "")
		return
	}
	if e.cache != nil {
		if cerr := e.cache.DeleteFinding(id); cerr != nil {
			e.logger.Warn("cache finding delete failed", logging.Field{Key: "finding_id", Value: id}, logging.Err(cerr))
		}
	}
	e.record(activity.KindVulnerability, "", fmt.Sprintf("vulnerability %s deleted", id))
	e.notify(notify.SeveritySuccess, "Vulnerability deleted", id, "")
}

// RetestVulnerability only sends the request; the finding changes when the
// service reports the outcome.
func (e *Engine) RetestVulnerability(ctx context.Context, id string) error {
	return e.call(ctx, func(e *Engine) error {
		f, ok := e.vulns.Get(id)
		scanID := ""
		if ok {
			scanID = f.ScanID
		}
		e.record(activity.KindIntent, scanID, fmt.Sprintf("retest requested for vulnerability %s", id))
		e.launch(backend.OpRetest, func(ctx context.Context) (string, error) {
			return "", e.backend.RetestVulnerability(ctx, id)
		}, func(e *Engine, _ string, err error) {
			if err != nil {
				e.record(activity.KindError, scanID, fmt.Sprintf("retest of vulnerability %s rejected: %s", id, reason(err)))
				e.notify(notify.SeverityError, "Could not retest vulnerability", reason(err), scanID)
				return
			}
			e.record(activity.KindVulnerability, scanID, fmt.Sprintf("vulnerability %s queued for retest", id))
			e.notify(notify.SeverityInfo, "Retest requested", fmt.Sprintf("vulnerability %s queued for retest", id), scanID)
		})
		return nil
	})
}

// launch runs a backend request off the engine goroutine and queues done
// with its result. A poll follows every completed request.
func (e *Engine) launch(op backend.Op, req func(ctx context.Context) (string, error), done func(e *Engine, value string, err error)) {
	ctx := e.runCtx
	e.mutations.Add(1)
	go func() {
		defer e.mutations.Done()
		value, err := req(ctx)
		result := "ok"
		if err != nil {
			result = "error"
			e.logger.Warn("mutation failed", logging.Field{Key: "op", Value: string(op)}, logging.Err(err))
		}
		e.metrics.Mutation(string(op), result)
		_ = e.enqueue(ctx, func(e *Engine) {
			done(e, value, err)
			e.triggerPoll()
		})
	}()
}

func reason(err error) string {
	var merr *backend.MutationError
	if errors.As(err, &merr) && merr.Message != "" {
		return merr.Message
	}
	return err.Error()
}
