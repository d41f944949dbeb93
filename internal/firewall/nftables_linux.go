// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

const (
	tableName = "rampart"
	chainName = "input"
	setV4Name = "deny_v4"
	setV6Name = "deny_v6"

	// Rule markers, stored in UserData so restarts can find our rules.
	markerLookupV4 = "rampart:lookup_v4"
	markerLookupV6 = "rampart:lookup_v6"
	markerBan      = "rampart:ban:" // + ip, one per fallback drop rule
)

// nftBackend programs an inet table over netlink. The deny sets carry
// per-element kernel timeouts; when set creation fails (ancient kernel
// or missing set support) the backend reports SupportsSets false and
// the adapter drives per-address drop rules instead.
type nftBackend struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	table  *nftables.Table
	chain  *nftables.Chain
	setV4  *nftables.Set
	setV6  *nftables.Set
	logger *logging.Logger

	setsOK bool
}

func platformBackend() Backend {
	return &nftBackend{logger: logging.WithComponent("nftables")}
}

func (b *nftBackend) dial() error {
	if b.conn != nil {
		return nil
	}
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "open netlink connection")
	}
	b.conn = conn
	return nil
}

// EnsureBase installs table, chain, deny sets, and the lookup rules.
// Every step checks for existing objects first so re-running after a
// restart never duplicates rules.
func (b *nftBackend) EnsureBase(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.dial(); err != nil {
		return err
	}

	b.table = b.findTable()
	if b.table == nil {
		b.table = b.conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: tableName})
	}

	b.chain = b.findChain()
	if b.chain == nil {
		b.chain = b.conn.AddChain(&nftables.Chain{
			Name:     chainName,
			Table:    b.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityFilter,
		})
	}
	if err := b.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "create table and chain")
	}

	if err := b.ensureSets(); err != nil {
		// Set-based enforcement is unavailable; fall back to rules.
		b.logger.WithError(err).Warn("Deny sets unavailable, falling back to per-address rules")
		b.setsOK = false
		return nil
	}
	b.setsOK = true

	return b.ensureLookupRules()
}

func (b *nftBackend) findTable() *nftables.Table {
	tables, err := b.conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return nil
	}
	for _, t := range tables {
		if t.Name == tableName {
			return t
		}
	}
	return nil
}

func (b *nftBackend) findChain() *nftables.Chain {
	chains, err := b.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return nil
	}
	for _, c := range chains {
		if c.Table.Name == tableName && c.Name == chainName {
			return c
		}
	}
	return nil
}

// ensureSets creates the TTL-capable deny sets, reusing survivors.
func (b *nftBackend) ensureSets() error {
	if existing, err := b.conn.GetSetByName(b.table, setV4Name); err == nil && existing != nil {
		b.setV4 = existing
	} else {
		b.setV4 = &nftables.Set{Table: b.table, Name: setV4Name, KeyType: nftables.TypeIPAddr, HasTimeout: true}
		if err := b.conn.AddSet(b.setV4, nil); err != nil {
			return err
		}
	}
	if existing, err := b.conn.GetSetByName(b.table, setV6Name); err == nil && existing != nil {
		b.setV6 = existing
	} else {
		b.setV6 = &nftables.Set{Table: b.table, Name: setV6Name, KeyType: nftables.TypeIP6Addr, HasTimeout: true}
		if err := b.conn.AddSet(b.setV6, nil); err != nil {
			return err
		}
	}
	return b.conn.Flush()
}

// ensureLookupRules installs the "saddr in deny set -> drop" rules,
// once, identified by their UserData markers.
func (b *nftBackend) ensureLookupRules() error {
	rules, err := b.conn.GetRules(b.table, b.chain)
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "list chain rules")
	}
	haveV4, haveV6 := false, false
	for _, r := range rules {
		switch string(r.UserData) {
		case markerLookupV4:
			haveV4 = true
		case markerLookupV6:
			haveV6 = true
		}
	}

	if !haveV4 {
		b.conn.AddRule(&nftables.Rule{
			Table: b.table, Chain: b.chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
				&expr.Lookup{SourceRegister: 1, SetName: b.setV4.Name, SetID: b.setV4.ID},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
			UserData: []byte(markerLookupV4),
		})
	}
	if !haveV6 {
		b.conn.AddRule(&nftables.Rule{
			Table: b.table, Chain: b.chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 8, Len: 16},
				&expr.Lookup{SourceRegister: 1, SetName: b.setV6.Name, SetID: b.setV6.ID},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
			UserData: []byte(markerLookupV6),
		})
	}
	if haveV4 && haveV6 {
		return nil
	}
	return errors.Wrap(b.conn.Flush(), errors.KindEnforcement, "install lookup rules")
}

func (b *nftBackend) SupportsSets() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setsOK
}

func (b *nftBackend) setFor(ip net.IP) (*nftables.Set, []byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return b.setV4, v4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return b.setV6, v6, nil
	}
	return nil, nil, errors.Errorf(errors.KindEnforcement, "unrepresentable address %v", ip)
}

func (b *nftBackend) AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, key, err := b.setFor(ip)
	if err != nil {
		return err
	}
	// Re-adding an existing member: delete first so the TTL restarts
	// instead of the add failing with EEXIST.
	_ = b.conn.SetDeleteElements(set, []nftables.SetElement{{Key: key}})
	_ = b.conn.Flush()

	if err := b.conn.SetAddElements(set, []nftables.SetElement{{Key: key, Timeout: ttl}}); err != nil {
		return err
	}
	return b.conn.Flush()
}

func (b *nftBackend) RemoveSetElement(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, key, err := b.setFor(ip)
	if err != nil {
		return err
	}
	if err := b.conn.SetDeleteElements(set, []nftables.SetElement{{Key: key}}); err != nil {
		return err
	}
	return b.conn.Flush()
}

// AddDropRule inserts one drop rule for ip, marked in UserData so it
// can be found again. Re-blocking an already-ruled address is a no-op.
func (b *nftBackend) AddDropRule(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	marker := markerBan + ip.String()
	rules, err := b.conn.GetRules(b.table, b.chain)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if string(r.UserData) == marker {
			return nil
		}
	}

	var exprs []expr.Any
	if v4 := ip.To4(); v4 != nil {
		exprs = []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: v4},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}
	} else {
		exprs = []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 8, Len: 16},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip.To16()},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}
	}
	b.conn.InsertRule(&nftables.Rule{Table: b.table, Chain: b.chain, Exprs: exprs, UserData: []byte(marker)})
	return b.conn.Flush()
}

func (b *nftBackend) RemoveDropRule(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	marker := markerBan + ip.String()
	rules, err := b.conn.GetRules(b.table, b.chain)
	if err != nil {
		return err
	}
	found := false
	for _, r := range rules {
		if string(r.UserData) == marker {
			if err := b.conn.DelRule(r); err != nil {
				return fmt.Errorf("delete rule for %s: %w", ip, err)
			}
			found = true
		}
	}
	if !found {
		return nil
	}
	return b.conn.Flush()
}

func (b *nftBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.CloseLasting()
	}
	return nil
}
