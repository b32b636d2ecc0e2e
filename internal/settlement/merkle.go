package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/settlement-engine/internal/money"
)

// USDCUnitsPerCent converts cents to 6-decimal USDC base units.
const USDCUnitsPerCent = 10_000

var ErrEmptyClaims = errors.New("settlement: no claims to build a tree from")

// Claim is one winner's on-chain payout on the crypto rail.
type Claim struct {
	Address common.Address `json:"address"`
	Amount  money.Cents    `json:"amount"`
}

// Units returns the claim amount in USDC base units.
func (c Claim) Units() *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(c.Amount)), big.NewInt(USDCUnitsPerCent))
}

// ClaimTree is a keccak256 Merkle tree over a market's crypto-rail claims.
// Pairs are hashed in sorted order so proofs verify without position bits;
// an odd node at any level is carried up unchanged.
type ClaimTree struct {
	MarketID common.Hash
	Root     common.Hash
	Claims   []Claim
	leaves   []common.Hash
	levels   [][]common.Hash
}

// MarketKey is the bytes32 market identifier committed in every leaf.
func MarketKey(marketID string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(marketID))
}

// LeafHash computes keccak256(abi.encodePacked(bytes32 market, address, uint256 units)).
func LeafHash(market common.Hash, c Claim) common.Hash {
	return ethcrypto.Keccak256Hash(
		market.Bytes(),
		c.Address.Bytes(),
		common.LeftPadBytes(c.Units().Bytes(), 32),
	)
}

// BuildClaimTree builds the tree for marketID. Claims must have distinct
// addresses and positive amounts.
func BuildClaimTree(marketID string, claims []Claim) (*ClaimTree, error) {
	if len(claims) == 0 {
		return nil, ErrEmptyClaims
	}
	seen := make(map[common.Address]bool, len(claims))
	for _, c := range claims {
		if c.Amount <= 0 {
			return nil, fmt.Errorf("settlement: claim for %s has non-positive amount %s", c.Address.Hex(), c.Amount)
		}
		if seen[c.Address] {
			return nil, fmt.Errorf("settlement: duplicate claim for %s", c.Address.Hex())
		}
		seen[c.Address] = true
	}

	t := &ClaimTree{
		MarketID: MarketKey(marketID),
		Claims:   append([]Claim(nil), claims...),
	}
	sort.Slice(t.Claims, func(i, j int) bool {
		return bytes.Compare(t.Claims[i].Address.Bytes(), t.Claims[j].Address.Bytes()) < 0
	})

	t.leaves = make([]common.Hash, len(t.Claims))
	for i, c := range t.Claims {
		t.leaves[i] = LeafHash(t.MarketID, c)
	}

	level := t.leaves
	t.levels = [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.Root = level[0]
	return t, nil
}

// Proof returns the sibling path for addr's claim.
func (t *ClaimTree) Proof(addr common.Address) (Claim, []common.Hash, bool) {
	idx := -1
	for i, c := range t.Claims {
		if c.Address == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Claim{}, nil, false
	}

	var proof []common.Hash
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		if sibling := pos ^ 1; sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return t.Claims[idx], proof, true
}

// VerifyClaim checks that c under market is committed by root.
func VerifyClaim(root, market common.Hash, c Claim, proof []common.Hash) bool {
	h := LeafHash(market, c)
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a.Bytes(), b.Bytes())
}
