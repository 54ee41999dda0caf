package engine

import (
	"fmt"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/conn"
	"github.com/ipsix/reconsync/internal/notify"
)

// linkState is the coarse connection status the operator is told about.
// Only moves between these states are surfaced, never individual attempts.
type linkState int

const (
	linkUnknown linkState = iota
	linkUp
	linkLost
	linkDown
)

func (e *Engine) applyConnState(st conn.State) {
	next := e.link
	switch {
	case st.Phase == conn.PhaseOpen:
		next = linkUp
	case st.Phase == conn.PhaseClosed && st.Terminal:
		next = linkDown
	case st.Phase == conn.PhaseClosed && st.Attempt > 0:
		next = linkLost
	}
	if next == e.link {
		return
	}
	e.link = next

	switch next {
	case linkUp:
		if !e.everOpen {
			e.everOpen = true
			e.record(activity.KindConnection, "", "push channel connected")
			e.notify(notify.SeverityInfo, "Connected", "Live updates from the scanning service are active", "")
			return
		}
		e.record(activity.KindConnection, "", "push channel reconnected")
		e.notify(notify.SeveritySuccess, "Connection restored", "Live updates resumed", "")
		// Catch up on anything missed while the channel was down.
		e.triggerPoll()
	case linkLost:
		if !e.everOpen {
			msg := "push channel unavailable, retrying"
			if st.NextDelay > 0 {
				msg = fmt.Sprintf("push channel unavailable, retrying in %s", st.NextDelay)
			}
			e.record(activity.KindConnection, "", msg)
			e.notify(notify.SeverityWarning, "Could not connect", "Retrying the scanning service", "")
			return
		}
		msg := "push channel lost, reconnecting"
		if st.NextDelay > 0 {
			msg = fmt.Sprintf("push channel lost, retrying in %s", st.NextDelay)
		}
		e.record(activity.KindConnection, "", msg)
		e.notify(notify.SeverityWarning, "Connection lost", "Reconnecting to the scanning service", "")
	case linkDown:
		if st.Manual {
			e.record(activity.KindConnection, "", "push channel disconnected by operator")
			e.notify(notify.SeverityInfo, "Disconnected", "Live updates paused until reconnect", "")
			return
		}
		e.record(activity.KindConnection, "", fmt.Sprintf("push channel gave up after %d attempts", st.Attempt))
		e.notify(notify.SeverityError, "Disconnected", "Could not reach the scanning service. Reconnect manually to retry.", "")
	}
}
