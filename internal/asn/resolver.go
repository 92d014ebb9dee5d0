// Package asn implements the offline IPv4-to-ASN resolver: a fixed
// lookup table loaded at startup, classified into seven organisation
// classes, fused with account-level density/drift/entropy signals into a
// single bounded risk score.
package asn

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// record is a loaded ASN table entry.
type record struct {
	asn     uint32
	org     string
	country string
	class   domain.EndpointClass
}

// baseRisk is the fixed per-class base risk from classification.
var baseRisk = map[domain.EndpointClass]float64{
	domain.EndpointClassMobile:          0.0,
	domain.EndpointClassBroadband:       0.1,
	domain.EndpointClassEnterprise:      0.3,
	domain.EndpointClassInCloud:         0.6,
	domain.EndpointClassHosting:         0.7,
	domain.EndpointClassUnknownDomestic: 0.5,
	domain.EndpointClassForeign:         0.8,
}

// Lookup is the result of resolving an IP to an ASN record.
type Lookup struct {
	ASNNumber uint32
	ASNOrg    string
	Country   string
	Class     domain.EndpointClass
	BaseRisk  float64
	Foreign   bool
}

// Resolver holds the in-memory ASN table and the per-account ASN
// histories needed for the drift/entropy signals. It has no external
// dependency: the table is loaded from a CSV file (or held empty, in
// which case every lookup degrades to unknown-domestic so the engine
// degrades gracefully).
type Resolver struct {
	mu              sync.RWMutex
	byNetwork       []networkEntry
	domesticCountry string

	// history tracks, per account, the ASN numbers it has transacted
	// from, most-recent-last, capped to a bounded window for the
	// entropy/drift signals.
	history   map[string][]uint32
	historyMu sync.Mutex
}

type networkEntry struct {
	network *net.IPNet
	rec     record
}

const historyWindow = 50

// NewResolver creates an empty resolver. Call LoadTable to populate it.
func NewResolver(domesticCountry string) *Resolver {
	if domesticCountry == "" {
		domesticCountry = "US"
	}
	return &Resolver{
		domesticCountry: domesticCountry,
		history:         make(map[string][]uint32),
	}
}

// LoadTable reads a CSV table of the form
// cidr,asn,org,country,class and replaces the current table atomically.
// It returns an error when the file cannot be opened or parsed. A
// resolver with no table loaded still works: every Resolve then returns
// the unknown-domestic default.
func (r *Resolver) LoadTable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open asn table: %w", err)
	}
	defer f.Close()

	entries, err := parseTable(f)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byNetwork = entries
	r.mu.Unlock()
	return nil
}

func parseTable(rd io.Reader) ([]networkEntry, error) {
	reader := csv.NewReader(bufio.NewReader(rd))
	reader.FieldsPerRecord = -1

	var entries []networkEntry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse asn table: %w", err)
		}
		if len(row) < 5 || strings.HasPrefix(row[0], "#") {
			continue
		}

		_, network, err := net.ParseCIDR(strings.TrimSpace(row[0]))
		if err != nil {
			continue
		}
		asnNum, err := strconv.ParseUint(strings.TrimSpace(row[1]), 10, 32)
		if err != nil {
			continue
		}

		entries = append(entries, networkEntry{
			network: network,
			rec: record{
				asn:     uint32(asnNum),
				org:     strings.TrimSpace(row[2]),
				country: strings.TrimSpace(row[3]),
				class:   classify(strings.TrimSpace(row[4])),
			},
		})
	}
	return entries, nil
}

func classify(raw string) domain.EndpointClass {
	switch domain.EndpointClass(strings.ToLower(raw)) {
	case domain.EndpointClassMobile, domain.EndpointClassBroadband, domain.EndpointClassEnterprise,
		domain.EndpointClassInCloud, domain.EndpointClassHosting, domain.EndpointClassForeign:
		return domain.EndpointClass(strings.ToLower(raw))
	default:
		return domain.EndpointClassUnknownDomestic
	}
}

// ErrInvalidIP is returned for private, loopback, link-local, reserved or
// non-IPv4 addresses.
var ErrInvalidIP = fmt.Errorf("%w: invalid or non-routable IPv4 address", domain.ErrInvalidInput)

// Resolve runs the validate/lookup/classify pipeline: validate, look up, apply the
// country filter, and classify. Steps 5-8 (density, drift, entropy,
// fusion) require account history and are computed by Fuse.
func (r *Resolver) Resolve(ip string) (Lookup, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return Lookup{}, ErrInvalidIP
	}
	if isNonRoutable(parsed) {
		return Lookup{}, ErrInvalidIP
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.byNetwork {
		if e.network.Contains(parsed) {
			foreign := e.rec.country != "" && e.rec.country != r.domesticCountry
			return Lookup{
				ASNNumber: e.rec.asn,
				ASNOrg:    e.rec.org,
				Country:   e.rec.country,
				Class:     e.rec.class,
				BaseRisk:  baseRisk[e.rec.class],
				Foreign:   foreign,
			}, nil
		}
	}

	// Miss: table-miss default.
	return Lookup{
		Class:    domain.EndpointClassUnknownDomestic,
		BaseRisk: baseRisk[domain.EndpointClassUnknownDomestic],
	}, nil
}

func isNonRoutable(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return true
	case ip.IsPrivate():
		return true
	case ip.IsUnspecified():
		return true
	case ip.To4() != nil && ip.To4()[0] >= 240:
		// Reserved 240.0.0.0/4, including 255.255.255.255.
		return true
	default:
		return false
	}
}

// Touch records an account's use of an ASN for the density/drift/entropy
// signals and returns a copy of the account's ASN-use history.
func (r *Resolver) Touch(accountID string, asnNumber uint32) []uint32 {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()

	h := append(r.history[accountID], asnNumber)
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	r.history[accountID] = h

	out := make([]uint32, len(h))
	copy(out, h)
	return out
}

// Fuse computes the density, drift and entropy signals: density from the recent distinct-account
// count N on the ASN, drift against the account's modal ASN, entropy over
// its ASN-use histogram, and the weighted fusion into asn_risk.
func Fuse(lookup Lookup, distinctAccountsOnASN int, history []uint32) (asnRisk float64) {
	density := clamp(math.Log(1+float64(distinctAccountsOnASN))/math.Log(1001), 0, 1)

	drift := 0.0
	if modal, ok := modalASN(history); ok && modal != lookup.ASNNumber {
		drift = 1.0
	}

	entropyNorm := math.Min(entropy(history)/math.Log(12), 1)

	foreign := 0.0
	if lookup.Foreign {
		foreign = 1.0
	}

	risk := 0.4*lookup.BaseRisk + 0.3*density + 0.2*drift + 0.2*foreign + 0.1*entropyNorm
	return clamp(risk, 0, 1)
}

func modalASN(history []uint32) (uint32, bool) {
	if len(history) == 0 {
		return 0, false
	}
	counts := make(map[uint32]int, len(history))
	for _, a := range history {
		counts[a]++
	}
	var best uint32
	bestCount := -1
	for asnNum, c := range counts {
		if c > bestCount {
			best, bestCount = asnNum, c
		}
	}
	return best, true
}

func entropy(history []uint32) float64 {
	if len(history) == 0 {
		return 0
	}
	counts := make(map[uint32]int, len(history))
	for _, a := range history {
		counts[a]++
	}
	n := float64(len(history))
	h := 0.0
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log(p)
	}
	return h
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
