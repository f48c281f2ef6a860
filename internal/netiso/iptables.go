package netiso

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// Tables is the subset of *iptables.IPTables the engine uses.
type Tables interface {
	NewChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	ListChains(table string) ([]string, error)
	List(table, chain string) ([]string, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// NewTables returns the IPv4 iptables handle, waiting for the xtables lock.
func NewTables() (Tables, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("open iptables: %w", err)
	}
	return ipt, nil
}

const filterTable = "filter"

// installChain creates chain and appends rules in order.
func installChain(t Tables, chain string, rules []Rule) error {
	if err := t.NewChain(filterTable, chain); err != nil {
		return fmt.Errorf("create chain %s: %w", chain, err)
	}
	for _, r := range rules {
		if err := t.Append(filterTable, chain, r...); err != nil {
			return fmt.Errorf("append to %s %v: %w", chain, r, err)
		}
	}
	return nil
}

// insertRules puts rules at the top of chain, preserving their order.
func insertRules(t Tables, chain string, rules []Rule) error {
	for i := len(rules) - 1; i >= 0; i-- {
		if err := t.Insert(filterTable, chain, 1, rules[i]...); err != nil {
			return fmt.Errorf("insert into %s %v: %w", chain, rules[i], err)
		}
	}
	return nil
}

func removeChain(t Tables, chain string) error {
	exists, err := t.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", chain, err)
	}
	if !exists {
		return nil
	}
	if err := t.ClearAndDeleteChain(filterTable, chain); err != nil {
		return fmt.Errorf("delete chain %s: %w", chain, err)
	}
	return nil
}

func insertJump(t Tables, j jumpRule) error {
	if err := t.Insert(j.table, j.chain, 1, j.spec...); err != nil {
		return fmt.Errorf("insert %s/%s %v: %w", j.table, j.chain, j.spec, err)
	}
	return nil
}

func deleteJump(t Tables, j jumpRule) error {
	if err := t.DeleteIfExists(j.table, j.chain, j.spec...); err != nil {
		return fmt.Errorf("delete %s/%s %v: %w", j.table, j.chain, j.spec, err)
	}
	return nil
}
