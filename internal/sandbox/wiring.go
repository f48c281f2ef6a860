package sandbox

import (
	"context"
	"path/filepath"

	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
	"github.com/neoclaw-ai/aisandbox/internal/netiso"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
)

// NetworkUnit adapts a netiso.Unit to the Manager.
func NetworkUnit(u *netiso.Unit) NetworkIsolator {
	return networkUnit{unit: u}
}

type networkUnit struct {
	unit *netiso.Unit
}

func (n networkUnit) Setup(ctx context.Context, sessionID string, p *policy.Policy, stateDir string) (NetworkSession, error) {
	h, err := n.unit.Setup(ctx, sessionID, p, stateDir)
	if err != nil {
		return nil, err
	}
	return networkHandle{h: h}, nil
}

type networkHandle struct {
	h *netiso.Handle
}

func (n networkHandle) Namespace() string { return n.h.Names.Namespace }
func (n networkHandle) Env() []string     { return n.h.ProxyEnv() }
func (n networkHandle) Teardown() []error { return n.h.Teardown() }
func (n networkHandle) ProxyPort() uint16 { return n.h.Proxy.Port() }

func (n networkHandle) Mounts() []fsiso.Mount {
	if n.h.ResolvConf == "" {
		return nil
	}
	return []fsiso.Mount{{Source: n.h.ResolvConf, Target: netiso.ResolvConfTarget(), ReadOnly: true}}
}

func (n networkHandle) Annotate(r *registry.Resources) {
	names := n.h.Names
	r.Namespace = names.Namespace
	r.HostVeth = names.HostVeth
	r.PeerVeth = names.PeerVeth
	r.Chain = names.Chain
	r.NATComment = names.Comment
	if n.h.Subnet.Prefix.IsValid() {
		r.Subnet = n.h.Subnet.Prefix.String()
		r.HostAddr = n.h.Subnet.Host.String()
		r.SandboxAddr = n.h.Subnet.Sandbox.String()
	}
	if n.h.Proxy.IsValid() {
		r.ProxyAddr = n.h.Proxy.String()
	}
}

// FilesystemUnit adapts an fsiso.Unit to the Manager.
func FilesystemUnit(u *fsiso.Unit) FilesystemIsolator {
	return filesystemUnit{unit: u}
}

type filesystemUnit struct {
	unit *fsiso.Unit
}

func (f filesystemUnit) Prepare(p *policy.Policy, stateDir string, extra []fsiso.Mount) (FilesystemView, error) {
	h, err := f.unit.Prepare(p, stateDir, extra)
	if err != nil {
		return nil, err
	}
	return filesystemHandle{h: h}, nil
}

type filesystemHandle struct {
	h *fsiso.Handle
}

func (f filesystemHandle) Plan() fsiso.Plan { return f.h.Plan }
func (f filesystemHandle) Release() error   { return f.h.Release() }

func (f filesystemHandle) Annotate(r *registry.Resources) {
	r.MountTargets = f.h.Plan.Targets()
	r.StateDir = f.h.StateDir
}

// LabelReclaimer combines network reclamation by kernel label with removal of
// session state dirs under RunDir.
type LabelReclaimer struct {
	Network *netiso.Reclaimer
	RunDir  string
}

// ReclaimSession removes everything labelled with one session id.
func (r LabelReclaimer) ReclaimSession(sessionID string) []error {
	rep := r.Network.ReclaimSession(sessionID)
	errs := rep.Failed
	if sessionID != "" && r.RunDir != "" {
		if err := fsiso.RemoveStateDir(filepath.Join(r.RunDir, sessionID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Reclaim removes everything not labelled with one of the live session ids.
func (r LabelReclaimer) Reclaim(live []string) ([]string, []error) {
	liveIDs := make(map[string]bool, len(live))
	liveShort := make(map[string]bool, len(live))
	for _, id := range live {
		liveIDs[id] = true
		liveShort[netiso.ShortID(id)] = true
	}
	rep := r.Network.Reclaim(func(short string) bool { return liveShort[short] })
	removed, errs := rep.Removed, rep.Failed
	if r.RunDir != "" {
		dirs, dirErrs := fsiso.ReclaimStateDirs(r.RunDir, func(id string) bool { return liveIDs[id] })
		removed = append(removed, dirs...)
		errs = append(errs, dirErrs...)
	}
	return removed, errs
}
