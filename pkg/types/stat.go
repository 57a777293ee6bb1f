package types

import "time"

// PingStat is the running reachability record for a single target.
type PingStat struct {
	Target     string
	Pass       uint64
	Fail       uint64
	DowntimeMs uint64
	LastProbe  time.Time
}

// StatRecord is the wire form of a PingStat streamed to clients, one per line.
type StatRecord struct {
	IP               string `json:"ip" yaml:"ip"`
	Pass             uint64 `json:"pass" yaml:"pass"`
	Fail             uint64 `json:"fail" yaml:"fail"`
	DisconnectedTime uint64 `json:"disconnected_time" yaml:"disconnected_time"`
	LastProbeTime    int64  `json:"last_probe_time" yaml:"last_probe_time"`
}

// Record converts the stat into its wire form. A missing probe time is encoded as 0.
func (s PingStat) Record() StatRecord {
	rec := StatRecord{
		IP:               s.Target,
		Pass:             s.Pass,
		Fail:             s.Fail,
		DisconnectedTime: s.DowntimeMs,
	}
	if !s.LastProbe.IsZero() {
		rec.LastProbeTime = s.LastProbe.Unix()
	}
	return rec
}

// Stat converts a wire record back into a PingStat.
func (r StatRecord) Stat() PingStat {
	stat := PingStat{
		Target:     r.IP,
		Pass:       r.Pass,
		Fail:       r.Fail,
		DowntimeMs: r.DisconnectedTime,
	}
	if r.LastProbeTime > 0 {
		stat.LastProbe = time.Unix(r.LastProbeTime, 0).UTC()
	}
	return stat
}

// Records converts a snapshot into wire records, preserving order.
func Records(stats []PingStat) []StatRecord {
	if len(stats) == 0 {
		return nil
	}
	out := make([]StatRecord, len(stats))
	for i, s := range stats {
		out[i] = s.Record()
	}
	return out
}
