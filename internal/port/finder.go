package port

import (
	"context"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// NetFinder reads the system connection table through gopsutil.
type NetFinder struct {
	// SkipNames leaves process names empty; resolving them costs a lookup per holder.
	SkipNames bool
}

func (f NetFinder) Holders(ctx context.Context, port int) ([]Holder, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var out []Holder
	seen := make(map[int32]struct{})
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if _, ok := seen[c.Pid]; ok && c.Pid != 0 {
			continue
		}
		seen[c.Pid] = struct{}{}
		h := Holder{PID: int(c.Pid)}
		if c.Pid > 0 && !f.SkipNames {
			if p, err := gproc.NewProcessWithContext(ctx, c.Pid); err == nil {
				h.Name, _ = p.NameWithContext(ctx)
			}
		}
		out = append(out, h)
	}
	return out, nil
}
