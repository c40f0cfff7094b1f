package firefly

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"

	"github.com/tarancss/rgbwallet/lib/rgb"
)

// DefaultLookupTTL is how long looked up allocation lists are reused.
const DefaultLookupTTL = 30 * time.Second

// Allocation is an allocation pointer recorded in the registry.
type Allocation struct {
	Contract    rgb.ContractID `json:"contract"`
	Txid        string         `json:"txid"`
	Vout        uint32         `json:"vout"`
	Amount      uint64         `json:"amount"`
	Beneficiary string         `json:"beneficiary"`
}

// Outpoint returns the output holding the allocation.
func (a Allocation) Outpoint() (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(a.Txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid allocation txid %q: %w", a.Txid, err)
	}

	return wire.OutPoint{Hash: *h, Index: a.Vout}, nil
}

// FromRGB returns the registry pointer of an allocation of cid.
func FromRGB(cid rgb.ContractID, a rgb.Allocation, beneficiary string) Allocation {
	return Allocation{
		Contract:    cid,
		Txid:        a.Outpoint.Hash.String(),
		Vout:        a.Outpoint.Index,
		Amount:      a.Amount,
		Beneficiary: beneficiary,
	}
}

// Registry records and looks up allocation pointers of contracts.
type Registry struct {
	client *Client
	// mu serializes writers so that a replace always consumes the list it read.
	mu    sync.Mutex
	cache *ttlcache.Cache[rgb.ContractID, []Allocation]
}

// NewRegistry returns a registry over client caching lookups for ttl.
func NewRegistry(client *Client, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = DefaultLookupTTL
	}

	return &Registry{
		client: client,
		cache: ttlcache.New[rgb.ContractID, []Allocation](
			ttlcache.WithTTL[rgb.ContractID, []Allocation](ttl),
			ttlcache.WithDisableTouchOnHit[rgb.ContractID, []Allocation](),
		),
	}
}

// RecordAllocations replaces the allocation list of cid, proposes a block and returns the deploy id.
func (r *Registry) RecordAllocations(ctx context.Context, cid rgb.ContractID, allocs []Allocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append([]Allocation(nil), allocs...)
	sort.Slice(list, func(i, j int) bool {
		if list[i].Txid != list[j].Txid {
			return list[i].Txid < list[j].Txid
		}

		return list[i].Vout < list[j].Vout
	})

	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}

	_, found, err := r.lookup(ctx, cid)
	if err != nil {
		return "", err
	}

	term := PublishTerm(cid, string(b))
	if found {
		term = ReplaceTerm(cid, string(b))
	}

	id, err := r.client.Deploy(ctx, term, 0)
	if err != nil {
		return "", err
	}

	block, err := r.client.Propose(ctx)
	if err != nil {
		return id, err
	}

	r.cache.Set(cid, list, ttlcache.DefaultTTL)

	log.Infof("Recorded %d allocations of %s in block %s", len(list), cid, block)

	return id, nil
}

// LookupAllocations returns the allocation list recorded for cid, nil when none was recorded.
func (r *Registry) LookupAllocations(ctx context.Context, cid rgb.ContractID) ([]Allocation, error) {
	if item := r.cache.Get(cid); item != nil {
		return item.Value(), nil
	}

	list, _, err := r.lookup(ctx, cid)
	if err != nil {
		return nil, err
	}

	r.cache.Set(cid, list, ttlcache.DefaultTTL)

	return list, nil
}

func (r *Registry) lookup(ctx context.Context, cid rgb.ContractID) ([]Allocation, bool, error) {
	res, err := r.client.ExploratoryDeploy(ctx, LookupTerm(cid))
	if err != nil {
		return nil, false, err
	}

	if len(res.Expr) == 0 {
		return nil, false, nil
	}

	s, ok := res.Expr[0].String()
	if !ok {
		return nil, false, fmt.Errorf("%w: allocation list of %s is not a string", ErrUpstream, cid)
	}

	var list []Allocation
	if err = json.Unmarshal([]byte(s), &list); err != nil {
		return nil, false, fmt.Errorf("%w: invalid allocation list of %s: %w", ErrUpstream, cid, err)
	}

	return list, true, nil
}

// Invalidate drops the cached list of cid.
func (r *Registry) Invalidate(cid rgb.ContractID) { r.cache.Delete(cid) }
