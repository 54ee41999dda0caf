package engine

import (
	"fmt"
	"sort"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/model"
	"github.com/ipsix/reconsync/internal/notify"
	"github.com/ipsix/reconsync/internal/registry"
)

func defaultRoutes() map[model.EventKind]handler {
	return map[model.EventKind]handler{
		model.EventScanStarted:        (*Engine).onScanStarted,
		model.EventScanProgress:       (*Engine).onScanUpdate,
		model.EventStatusUpdate:       (*Engine).onScanUpdate,
		model.EventScanCompleted:      (*Engine).onScanCompleted,
		model.EventVulnerabilityFound: (*Engine).onVulnerabilityFound,
		model.EventError:              (*Engine).onError,
	}
}

func (e *Engine) applyEvent(ev model.Event) {
	h, ok := e.routes[ev.Kind]
	if !ok {
		e.logger.Warn("no handler for event", logging.Field{Key: "event", Value: string(ev.Kind)})
		return
	}
	h(e, ev)
}

func (e *Engine) onScanStarted(ev model.Event) {
	if ev.Scan == nil {
		return
	}
	u := fromScanEvent(ev.Kind, ev.Scan)
	res, archived := e.reconcile(u)
	if !res.changed {
		return
	}
	if !archived {
		e.crossedMilestone(u.id, res.after.Progress)
	}
	rec := res.after
	e.record(activity.KindScan, rec.ID, fmt.Sprintf("scan %s started for %s", rec.ID, rec.Domain))
	e.notify(notify.SeverityInfo, "Scan started", fmt.Sprintf("Scanning %s", label(rec)), rec.ID)
}

// onScanUpdate handles scan_progress and status_update. These notify only
// when progress enters a new 10% band.
func (e *Engine) onScanUpdate(ev model.Event) {
	if ev.Scan == nil {
		return
	}
	u := fromScanEvent(ev.Kind, ev.Scan)
	res, archived := e.reconcile(u)
	if !res.changed {
		return
	}
	e.record(activity.KindScan, res.after.ID, describeChange(res, u.source))
	if archived {
		if res.before.Status != res.after.Status && res.after.Status.Terminal() && !res.created {
			e.notifyTerminal(res.after)
		}
		return
	}
	if pct, ok := e.crossedMilestone(u.id, res.after.Progress); ok && !res.created {
		e.notify(notify.SeverityInfo, "Scan progress", fmt.Sprintf("%s is %d%% complete", label(res.after), pct), res.after.ID)
	}
}

func (e *Engine) onScanCompleted(ev model.Event) {
	if ev.Scan == nil {
		return
	}
	u := fromScanEvent(ev.Kind, ev.Scan)
	res, _ := e.reconcile(u)
	if !res.changed {
		return
	}
	rec := res.after
	e.record(activity.KindScan, rec.ID, describeChange(res, u.source))
	if !res.created && res.before.Status == rec.Status {
		return
	}
	e.notifyTerminal(rec)
}

func (e *Engine) onVulnerabilityFound(ev model.Event) {
	if ev.Finding == nil {
		return
	}
	f := *ev.Finding
	if !e.vulns.Add(f) {
		e.metrics.Reconcile("push", "ignored")
		return
	}
	e.metrics.Reconcile("push", "applied")
	e.persistFinding(f)
	e.countFinding(f.ScanID)

	e.record(activity.KindVulnerability, f.ScanID, fmt.Sprintf("%s %s found on %s", f.Severity, findingType(f), f.URL))
	sev := notify.SeverityInfo
	if f.Severity == model.SeverityCritical || f.Severity == model.SeverityHigh {
		sev = notify.SeverityWarning
	}
	e.notify(sev, "Vulnerability found", fmt.Sprintf("%s %s on %s", f.Severity, findingType(f), f.URL), f.ScanID)
}

// countFinding bumps the owning scan's counter. Discrete findings are the
// only source for this counter; counters reported by progress updates and
// polls are ignored.
func (e *Engine) countFinding(scanID string) {
	if scanID == "" {
		return
	}
	entry, loc := e.scans.Lookup(scanID)
	if loc == registry.Absent {
		return
	}
	entry.Record.VulnerabilitiesFound++
	if loc == registry.History {
		e.scans.PutHistory(entry)
	} else {
		e.scans.PutActive(entry)
	}
	e.persistScan(entry, loc == registry.History)
}

// onError always notifies. The scan status only changes when the event
// carries an explicit status.
func (e *Engine) onError(ev model.Event) {
	if ev.Error == nil {
		return
	}
	ee := ev.Error
	id := ee.Key()
	if ee.Status != "" && id != "" {
		status, cancelled, _ := model.ParseStatus(ee.Status)
		e.reconcile(update{
			source:    registry.SourcePush,
			id:        id,
			domain:    ee.Domain,
			status:    status,
			cancelled: cancelled,
			message:   ee.Message,
		})
	}
	e.record(activity.KindError, id, ee.Message)
	e.notify(notify.SeverityError, "Scan error", ee.Message, id)
}

// applySnapshot reconciles a full poll. History entries are applied before
// active ones, then scans missing from consecutive polls are archived.
// History the registry already evicted for its size limit stays evicted.
func (e *Engine) applySnapshot(snap model.Snapshot) {
	for _, id := range sortedKeys(snap.ScanHistory) {
		if _, loc := e.scans.Lookup(id); loc == registry.Absent && e.scans.Evicted(id) {
			continue
		}
		rec := snap.ScanHistory[id]
		e.applyPolled(fromRecord(rec, true))
	}
	e.scans.RetainEvicted(func(id string) bool {
		_, ok := snap.ScanHistory[id]
		return ok
	})
	for _, id := range sortedKeys(snap.ActiveScans) {
		rec := snap.ActiveScans[id]
		e.applyPolled(fromRecord(rec, false))
	}

	for _, id := range e.scans.ActiveIDs() {
		entry, loc := e.scans.Lookup(id)
		if loc != registry.Active {
			continue
		}
		if _, ok := snap.ActiveScans[id]; ok {
			entry.MissedPolls = 0
			entry.Touched = false
			e.scans.PutActive(entry)
			continue
		}
		if entry.Pending {
			continue
		}
		if entry.Touched {
			entry.Touched = false
			entry.MissedPolls = 0
			e.scans.PutActive(entry)
			continue
		}
		entry.MissedPolls++
		if entry.MissedPolls < e.missedPolls {
			e.scans.PutActive(entry)
			continue
		}
		e.scans.PutHistory(entry)
		delete(e.milestones, id)
		e.persistScan(entry, true)
		e.record(activity.KindScan, id, fmt.Sprintf("scan %s no longer reported by the service, moved to history", id))
	}
}

func (e *Engine) applyPolled(u update) {
	res, archived := e.reconcile(u)
	if !res.changed {
		return
	}
	rec := res.after
	e.record(activity.KindScan, rec.ID, describeChange(res, u.source))
	if res.before.Status != rec.Status && rec.Status.Terminal() && !res.created {
		e.notifyTerminal(rec)
		return
	}
	if !archived {
		if pct, ok := e.crossedMilestone(rec.ID, rec.Progress); ok && !res.created {
			e.notify(notify.SeverityInfo, "Scan progress", fmt.Sprintf("%s is %d%% complete", label(rec), pct), rec.ID)
		}
	}
}

func (e *Engine) notifyTerminal(rec model.ScanRecord) {
	switch {
	case rec.Status == model.StatusError:
		msg := fmt.Sprintf("%s failed", label(rec))
		if rec.Message != "" {
			msg += ": " + rec.Message
		}
		e.notify(notify.SeverityError, "Scan failed", msg, rec.ID)
	case rec.Cancelled:
		e.notify(notify.SeverityWarning, "Scan stopped", fmt.Sprintf("%s was stopped", label(rec)), rec.ID)
	default:
		msg := fmt.Sprintf("%s completed", label(rec))
		if rec.DurationSeconds != nil {
			msg += fmt.Sprintf(" in %.0fs", *rec.DurationSeconds)
		}
		e.notify(notify.SeveritySuccess, "Scan completed", msg, rec.ID)
	}
}

func describeChange(res mergeResult, source registry.Source) string {
	after := res.after
	if res.created {
		return fmt.Sprintf("scan %s for %s seen via %s: %s at %d%%", after.ID, after.Domain, source, after.Status, after.Progress)
	}
	before := res.before
	if before.Status != after.Status {
		if after.Status == model.StatusCompleted && after.Cancelled {
			return fmt.Sprintf("scan %s stopped at %d%%", after.ID, after.Progress)
		}
		return fmt.Sprintf("scan %s %s -> %s at %d%%", after.ID, before.Status, after.Status, after.Progress)
	}
	if before.Progress != after.Progress {
		return fmt.Sprintf("scan %s progress %d%% (%d urls, %d subdomains)", after.ID, after.Progress, after.URLsScanned, after.SubdomainsFound)
	}
	return fmt.Sprintf("scan %s updated via %s", after.ID, source)
}

func label(rec model.ScanRecord) string {
	if rec.Domain != "" {
		return rec.Domain
	}
	return rec.ID
}

func findingType(f model.Finding) string {
	if f.Type != "" {
		return f.Type
	}
	return "finding"
}

func sortedKeys(m map[string]model.ScanRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
