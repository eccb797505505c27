// Package nodeconfig reads the per-node parameter file (spec §6): an ad
// hoc `key = value` text format. None of the teacher's structured-config
// dependencies parse unquoted bare values like `addr = 192.168.2.10`
// without a custom scanner, so this is a documented stdlib exception
// (see DESIGN.md) using bufio.Scanner the way the teacher's simplest
// line-oriented parsers do.
package nodeconfig

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/inetsim/stack/common/bytes"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/ndp"
	"github.com/inetsim/stack/tcpstack"
)

// File is the parsed key-value parameter set for one node.
type File struct {
	raw map[string]string
}

// Parse reads key=value lines from r, skipping blank lines and lines
// starting with '#'.
func Parse(r io.Reader) (*File, error) {
	f := &File{raw: make(map[string]string)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, errors.New("nodeconfig: malformed line: ", line).AtWarning()
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		f.raw[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, errors.New("nodeconfig: scan failed").Base(err)
	}
	return f, nil
}

func (f *File) String(key string) (string, bool) {
	v, ok := f.raw[key]
	return v, ok
}

func (f *File) Int(key string) (int, bool) {
	v, ok := f.raw[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (f *File) Bool(key string) (bool, bool) {
	v, ok := f.raw[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func (f *File) Bytes(key string) (uint64, bool) {
	v, ok := f.raw[key]
	if !ok {
		return 0, false
	}
	n, err := bytes.ToBytes(v)
	return n, err == nil
}

func (f *File) Duration(key string) (time.Duration, bool) {
	v, ok := f.raw[key]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// ApplyTCP overlays recognized keys from spec §6 onto a base tcpstack.Config.
func (f *File) ApplyTCP(base tcpstack.Config) tcpstack.Config {
	if v, ok := f.Bytes("send_buffer_cap"); ok {
		base.SendBufferCap = int(v)
	}
	if v, ok := f.Bytes("recv_buffer_cap"); ok {
		base.RecvBufferCap = int(v)
	}
	if v, ok := f.Int("mss"); ok {
		base.MSS = uint16(v)
	}
	if v, ok := f.Int("iss"); ok {
		u := uint32(v)
		base.ISSOverride = &u
	}
	if v, ok := f.Int("listen_backlog"); ok {
		base.ListenBacklog = v
	}
	if v, ok := f.Duration("rto_min"); ok {
		base.RTOMin = v
	}
	if v, ok := f.Duration("rto_max"); ok {
		base.RTOMax = v
	}
	if v, ok := f.Int("syn_resend_count"); ok {
		base.SynResendCount = v
	}
	if v, ok := f.Bool("rst_for_syn"); ok {
		base.RstForSyn = v
	}
	if v, ok := f.Bool("cong_ctrl"); ok {
		base.CongCtrl = v
	}
	return base
}

// ApplyNDP overlays recognized keys from spec §6 onto a base ndp.Config.
func (f *File) ApplyNDP(base ndp.Config) ndp.Config {
	if v, ok := f.Int("dup_addr_detect_transmits"); ok {
		base.DupAddrDetectTransmits = v
	}
	if v, ok := f.Duration("min_rtr_adv_interval"); ok {
		base.MinRtrAdvInterval = v
	}
	if v, ok := f.Duration("max_rtr_adv_interval"); ok {
		base.MaxRtrAdvInterval = v
	}
	if v, ok := f.Duration("reachable_time"); ok {
		base.ReachableTime = v
	}
	if v, ok := f.Duration("retrans_timer"); ok {
		base.RetransTimer = v
	}
	return base
}
