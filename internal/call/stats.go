package call

import (
	"time"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

// Monitor schedules per-peer connection-quality sampling. Pollers for
// different peers are independent; each one's timer dies with the
// owning peerCall, so no poll can fire against a freed call.
type Monitor struct {
	orch *Orchestrator
}

// Poll samples the peer's connection statistics every interval for as
// long as the call reports CONNECTED, reshaping each snapshot through
// filter (nil passes through) before handing it to sink. It stops, does
// not error, the first time the state is observed outside CONNECTED.
func (m *Monitor) Poll(peer domain.SessionID, interval time.Duration, sink core.StatsSink, filter core.StatsFilter) error {
	p, ok := m.orch.peer(peer)
	if !ok {
		return core.Errf(core.CodeNoActiveCall, "no call with %s", peer)
	}
	if interval <= 0 {
		return core.Errf(core.CodeNoActiveCall, "non-positive poll interval")
	}
	go m.loop(p, interval, sink, filter)
	return nil
}

func (m *Monitor) loop(p *peerCall, interval time.Duration, sink core.StatsSink, filter core.StatsFilter) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			if p.state() != StateConnected {
				p.log.Debug().Msg("stats polling stopped, call no longer connected")
				return
			}
			stats, err := p.pc.GetStats()
			if err != nil {
				p.log.Warn().Err(err).Msg("stats fetch failed")
				continue
			}
			if filter != nil {
				stats = filter(stats)
			}
			sink(stats)
		}
	}
}
