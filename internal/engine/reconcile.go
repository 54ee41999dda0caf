package engine

import (
	"reflect"
	"time"

	"github.com/ipsix/reconsync/internal/model"
	"github.com/ipsix/reconsync/internal/registry"
)

// update is one observation of a scan from either channel. Nil pointers
// mean the source did not report the field.
type update struct {
	source    registry.Source
	id        string
	domain    string
	status    model.Status
	implied   model.Status
	cancelled bool
	archived  bool
	progress  *int
	priority  *model.Priority
	urls      *int
	subs      *int
	vulns     *int
	createdAt time.Time
	duration  *float64
	config    map[string]interface{}
	message   string
}

func fromRecord(rec model.ScanRecord, archived bool) update {
	progress := model.ClampProgress(rec.Progress)
	priority := rec.Priority
	urls, subs, found := rec.URLsScanned, rec.SubdomainsFound, rec.VulnerabilitiesFound
	u := update{
		source:    registry.SourcePoll,
		id:        rec.ID,
		domain:    rec.Domain,
		status:    rec.Status,
		cancelled: rec.Cancelled,
		archived:  archived,
		progress:  &progress,
		urls:      &urls,
		subs:      &subs,
		vulns:     &found,
		createdAt: rec.CreatedAt,
		duration:  rec.DurationSeconds,
		config:    rec.Config,
		message:   rec.Message,
	}
	if priority.Valid() {
		u.priority = &priority
	}
	return u
}

func fromScanEvent(kind model.EventKind, se *model.ScanEvent) update {
	u := update{
		source:   registry.SourcePush,
		id:       se.Key(),
		domain:   se.Domain,
		progress: se.Progress,
		urls:     se.URLsScanned,
		subs:     se.SubdomainsFound,
		config:   se.Config,
		message:  se.Message,
	}
	if se.Priority != nil && se.Priority.Valid() {
		u.priority = se.Priority
	}
	if se.Status != "" {
		// Decode has already rejected unknown statuses.
		u.status, u.cancelled, _ = model.ParseStatus(se.Status)
	}
	switch kind {
	case model.EventScanStarted:
		if u.status == "" {
			u.status = model.StatusRunning
		}
	case model.EventScanProgress:
		u.implied = model.StatusRunning
	case model.EventScanCompleted:
		if u.status == "" {
			u.status = model.StatusCompleted
		}
		if u.progress == nil && u.status == model.StatusCompleted && !u.cancelled {
			full := 100
			u.progress = &full
		}
	}
	if se.Stats != nil {
		u.duration = se.Stats.Duration
		if se.Stats.URLsScanned != nil {
			u.urls = se.Stats.URLsScanned
		}
		if se.Stats.SubdomainsFound != nil {
			u.subs = se.Stats.SubdomainsFound
		}
	}
	return u
}

type mergeResult struct {
	entry    registry.Entry
	before   model.ScanRecord
	after    model.ScanRecord
	created  bool
	changed  bool
	conflict *ConflictError
}

// sourceRank orders sources for the equal-progress tie-break. An
// optimistic local record yields to anything reconciled.
func sourceRank(s registry.Source) int {
	switch s {
	case registry.SourceLocal:
		return 0
	case registry.SourcePoll:
		return 1
	default:
		return 2
	}
}

// merge applies u to the held entry. The strictly higher progress wins; on
// equal progress push beats poll. Status only moves forward along the scan
// state machine, and a losing update may still deliver a terminal status.
func merge(held registry.Entry, loc registry.Location, u update, now time.Time) mergeResult {
	if loc == registry.Absent {
		rec := model.ScanRecord{
			ID:        u.id,
			Domain:    u.domain,
			Status:    model.StatusQueued,
			Priority:  model.PriorityNormal,
			CreatedAt: u.createdAt,
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		switch {
		case u.status != "":
			rec.Status = u.status
		case u.implied != "" && u.progress != nil && *u.progress > 0:
			rec.Status = u.implied
		}
		applyFields(&rec, u)
		// A reported count only seeds a new record; discrete
		// vulnerability_found events drive it from then on.
		if u.vulns != nil {
			rec.VulnerabilitiesFound = *u.vulns
		}
		rec.Cancelled = u.cancelled && rec.Status == model.StatusCompleted
		entry := registry.Entry{Record: rec, Source: u.source, Touched: u.source == registry.SourcePush}
		return mergeResult{entry: entry, after: entry.Display(), created: true, changed: true}
	}

	entry := held
	rec := held.Record.Clone()
	heldPct := rec.Progress
	inPct := heldPct
	if u.progress != nil {
		inPct = model.ClampProgress(*u.progress)
	}
	wins := inPct > heldPct || (inPct == heldPct && sourceRank(u.source) >= sourceRank(held.Source))

	status := u.status
	if status == "" && u.implied != "" && rec.Status == model.StatusQueued {
		status = u.implied
	}
	if wins {
		applyFields(&rec, u)
		entry.Source = u.source
	}
	if status != "" && status != rec.Status && model.CanTransition(rec.Status, status) && (wins || status.Terminal()) {
		rec.Status = status
		if status == model.StatusCompleted && u.cancelled {
			rec.Cancelled = true
		}
	} else if status != "" && status == rec.Status && status == model.StatusCompleted && u.cancelled {
		rec.Cancelled = true
	}
	entry.Record = rec
	if u.source == registry.SourcePush {
		entry.Touched = true
	}
	if entry.Overlay != nil && (entry.Overlay.Confirmed || rec.Status == entry.Overlay.Status || rec.Status.Terminal()) {
		entry.Overlay = nil
	}

	res := mergeResult{
		entry:  entry,
		before: held.Display(),
		after:  entry.Display(),
	}
	res.changed = !reflect.DeepEqual(res.before, res.after)
	if !wins && inPct != heldPct {
		res.conflict = &ConflictError{ScanID: u.id, Held: held.Source, Incoming: u.source, HeldPct: heldPct, InPct: inPct}
	}
	return res
}

func applyFields(rec *model.ScanRecord, u update) {
	if u.domain != "" {
		rec.Domain = u.domain
	}
	if u.progress != nil {
		p := model.ClampProgress(*u.progress)
		if p > rec.Progress {
			rec.Progress = p
		}
	}
	if u.priority != nil {
		rec.Priority = *u.priority
	}
	if u.urls != nil {
		rec.URLsScanned = *u.urls
	}
	if u.subs != nil {
		rec.SubdomainsFound = *u.subs
	}
	if !u.createdAt.IsZero() {
		rec.CreatedAt = u.createdAt
	}
	if u.duration != nil {
		d := *u.duration
		rec.DurationSeconds = &d
	}
	if u.config != nil {
		rec.Config = u.config
	}
	if u.message != "" {
		rec.Message = u.message
	}
}

// place puts the merged entry back where it belongs: terminal and archived
// records into history, everything else into the live view.
func (e *Engine) place(res mergeResult, u update) (archived bool) {
	if res.entry.Record.Status.Terminal() || u.archived {
		e.scans.PutHistory(res.entry)
		delete(e.milestones, res.entry.Record.ID)
		return true
	}
	e.scans.PutActive(res.entry)
	return false
}

// reconcile merges u into the registry and records the outcome. Callers
// own the user-facing side effects.
func (e *Engine) reconcile(u update) (mergeResult, bool) {
	held, loc := e.scans.Lookup(u.id)
	res := merge(held, loc, u, e.now())
	archived := e.place(res, u)

	switch {
	case res.changed:
		e.metrics.Reconcile(u.source.String(), "applied")
	case res.conflict != nil:
		e.metrics.Reconcile(u.source.String(), "conflict")
		e.logger.Debug("reconciliation conflict resolved", logFields(res.conflict)...)
	default:
		e.metrics.Reconcile(u.source.String(), "ignored")
	}
	if res.changed {
		e.persistScan(res.entry, archived)
	}
	return res, archived
}

// crossedMilestone reports whether the scan's progress moved into a new 10%
// band since the last milestone was recorded, and records the new band.
func (e *Engine) crossedMilestone(id string, progress int) (int, bool) {
	band := progress / 10
	last, seen := e.milestones[id]
	e.milestones[id] = band
	if !seen || band <= last {
		if seen && band < last {
			e.milestones[id] = last
		}
		return 0, false
	}
	return band * 10, true
}
