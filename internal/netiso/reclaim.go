package netiso

import (
	"fmt"
	"log/slog"
	"strings"
)

// Reclaimer removes engine network resources by their kernel labels, without
// any record of the session that created them.
type Reclaimer struct {
	Links  Links
	Tables Tables
	Logger *slog.Logger
}

// Report lists what a reclaim pass removed and what it could not.
type Report struct {
	Removed []string
	Failed  []error
}

var labelledChains = []struct {
	table string
	chain string
}{
	{"filter", "FORWARD"},
	{"filter", "INPUT"},
	{"nat", "POSTROUTING"},
}

// Reclaim removes every engine resource whose short session id keep rejects.
// Shared-chain rules go first, then session chains, links and namespaces.
func (r *Reclaimer) Reclaim(keep func(short string) bool) Report {
	var rep Report
	logger := r.logger()

	for _, lc := range labelledChains {
		rules, err := r.Tables.List(lc.table, lc.chain)
		if err != nil {
			rep.Failed = append(rep.Failed, fmt.Errorf("list %s/%s: %w", lc.table, lc.chain, err))
			continue
		}
		for _, rule := range rules {
			short, ok := shortFromComment(rule)
			if !ok || keep(short) {
				continue
			}
			spec, ok := ruleSpec(rule, lc.chain)
			if !ok {
				continue
			}
			if err := r.Tables.DeleteIfExists(lc.table, lc.chain, spec...); err != nil {
				rep.Failed = append(rep.Failed, fmt.Errorf("delete %s/%s rule %q: %w", lc.table, lc.chain, rule, err))
				continue
			}
			rep.Removed = append(rep.Removed, lc.table+"/"+lc.chain+" "+strings.Join(spec, " "))
		}
	}

	chains, err := r.Tables.ListChains(filterTable)
	if err != nil {
		rep.Failed = append(rep.Failed, fmt.Errorf("list chains: %w", err))
	}
	for _, chain := range chains {
		short, ok := shortFromChain(chain)
		if !ok || keep(short) {
			continue
		}
		if err := removeChain(r.Tables, chain); err != nil {
			rep.Failed = append(rep.Failed, err)
			continue
		}
		rep.Removed = append(rep.Removed, "chain "+chain)
	}

	links, err := r.Links.Links()
	if err != nil {
		rep.Failed = append(rep.Failed, err)
	}
	for _, link := range links {
		short, ok := shortFromLink(link)
		if !ok || keep(short) {
			continue
		}
		if err := r.Links.DeleteLink(link); err != nil {
			rep.Failed = append(rep.Failed, err)
			continue
		}
		rep.Removed = append(rep.Removed, "link "+link)
	}

	namespaces, err := r.Links.Namespaces()
	if err != nil {
		rep.Failed = append(rep.Failed, err)
	}
	for _, ns := range namespaces {
		short, ok := shortFromNamespace(ns)
		if !ok || keep(short) {
			continue
		}
		if err := r.Links.DeleteNamespace(ns); err != nil {
			rep.Failed = append(rep.Failed, err)
			continue
		}
		rep.Removed = append(rep.Removed, "netns "+ns)
	}

	for _, removed := range rep.Removed {
		logger.Info("reclaimed", "resource", removed)
	}
	return rep
}

// ReclaimSession removes the network resources of one session.
func (r *Reclaimer) ReclaimSession(sessionID string) Report {
	target := ShortID(sessionID)
	return r.Reclaim(func(short string) bool { return short != target })
}

// ruleSpec turns an `iptables -S` line for chain into a rule spec.
func ruleSpec(line, chain string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "-A" || fields[1] != chain {
		return nil, false
	}
	spec := make([]string, 0, len(fields)-2)
	for _, f := range fields[2:] {
		spec = append(spec, strings.Trim(f, `"`))
	}
	return spec, true
}

func (r *Reclaimer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
