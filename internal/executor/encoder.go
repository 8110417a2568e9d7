package executor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vegas-max/titan/pkg/models"
)

// Executor calldata layout, version 1:
//
//	magic   2 bytes  "TA"
//	version 1 byte
//	provider id: uint8 length + bytes
//	loan token address: 20 bytes
//	loan amount: 32 bytes big-endian token units
//	min out:     32 bytes big-endian token units
//	hop count: 1 byte
//	per hop: kind byte, then the kind-specific fields below
var calldataMagic = [2]byte{'T', 'A'}

// CalldataVersion is the current executor byte-layout version.
const CalldataVersion = 1

const (
	hopByteSwap   = 0x00
	hopByteBridge = 0x01
)

var poolKindBytes = map[models.PoolKind]byte{
	models.PoolKindV2:       0x00,
	models.PoolKindV3:       0x01,
	models.PoolKindCurve:    0x02,
	models.PoolKindBalancer: 0x03,
}

var poolKindFromByte = map[byte]models.PoolKind{
	0x00: models.PoolKindV2,
	0x01: models.PoolKindV3,
	0x02: models.PoolKindCurve,
	0x03: models.PoolKindBalancer,
}

// RoutePlan is the structural description of a route handed to the executor
// contract: the hops stripped of quotes, plus the loan terms.
type RoutePlan struct {
	ProviderID string
	LoanToken  common.Address
	LoanAmount *big.Int
	MinOut     *big.Int
	Hops       []PlanHop
}

// PlanHop is one encoded hop.
type PlanHop struct {
	Kind models.HopKind

	// swap fields
	PoolKind models.PoolKind
	ChainID  uint64
	Pool     common.Address
	TokenIn  common.Address
	TokenOut common.Address

	// bridge fields
	FromChainID uint64
	ToChainID   uint64
	Token       common.Address
}

// BuildPlan derives the executor plan from a signal: loan amount in token
// units, and the minimum acceptable output, which equals the loan amount.
func BuildPlan(signal *models.Signal, pools func(string) (*models.Pool, bool)) (*RoutePlan, error) {
	route := signal.Opportunity.Route
	startToken, err := route.StartToken()
	if err != nil {
		return nil, err
	}

	loanUnits := startToken.ToUnits(signal.Opportunity.InputAmount)
	// minimum out repays the loan in full; the profit margin above it is
	// surplus the contract forwards
	minOutUnits := loanUnits

	plan := &RoutePlan{
		ProviderID: signal.FlashProviderID,
		LoanToken:  startToken.Address,
		LoanAmount: loanUnits.BigInt(),
		MinOut:     minOutUnits.BigInt(),
	}

	for i, hop := range route.Hops {
		switch hop.Kind {
		case models.HopKindSwap:
			pool, ok := pools(hop.Swap.PoolID)
			if !ok {
				return nil, fmt.Errorf("hop %d references unknown pool %s", i, hop.Swap.PoolID)
			}
			plan.Hops = append(plan.Hops, PlanHop{
				Kind:     models.HopKindSwap,
				PoolKind: pool.Kind,
				ChainID:  pool.ChainID,
				Pool:     pool.Address,
				TokenIn:  hop.Swap.TokenIn.Address,
				TokenOut: hop.Swap.TokenOut.Address,
			})
		case models.HopKindBridge:
			plan.Hops = append(plan.Hops, PlanHop{
				Kind:        models.HopKindBridge,
				FromChainID: hop.Bridge.FromChainID,
				ToChainID:   hop.Bridge.ToChainID,
				Token:       hop.Bridge.Token.Address,
			})
		default:
			return nil, fmt.Errorf("hop %d has unknown kind %q", i, hop.Kind)
		}
	}

	return plan, nil
}

// EncodePlan serializes a plan into the versioned executor byte layout.
func EncodePlan(plan *RoutePlan) ([]byte, error) {
	if len(plan.ProviderID) > 255 {
		return nil, fmt.Errorf("provider id too long")
	}
	if len(plan.Hops) == 0 || len(plan.Hops) > 255 {
		return nil, fmt.Errorf("plan must carry between 1 and 255 hops")
	}

	var buf bytes.Buffer
	buf.Write(calldataMagic[:])
	buf.WriteByte(CalldataVersion)

	buf.WriteByte(byte(len(plan.ProviderID)))
	buf.WriteString(plan.ProviderID)

	buf.Write(plan.LoanToken.Bytes())
	buf.Write(common.LeftPadBytes(plan.LoanAmount.Bytes(), 32))
	buf.Write(common.LeftPadBytes(plan.MinOut.Bytes(), 32))

	buf.WriteByte(byte(len(plan.Hops)))
	for i, hop := range plan.Hops {
		switch hop.Kind {
		case models.HopKindSwap:
			kindByte, ok := poolKindBytes[hop.PoolKind]
			if !ok {
				return nil, fmt.Errorf("hop %d has unknown pool kind %q", i, hop.PoolKind)
			}
			buf.WriteByte(hopByteSwap)
			buf.WriteByte(kindByte)
			writeUint64(&buf, hop.ChainID)
			buf.Write(hop.Pool.Bytes())
			buf.Write(hop.TokenIn.Bytes())
			buf.Write(hop.TokenOut.Bytes())
		case models.HopKindBridge:
			buf.WriteByte(hopByteBridge)
			writeUint64(&buf, hop.FromChainID)
			writeUint64(&buf, hop.ToChainID)
			buf.Write(hop.Token.Bytes())
		default:
			return nil, fmt.Errorf("hop %d has unknown kind %q", i, hop.Kind)
		}
	}

	return buf.Bytes(), nil
}

// DecodePlan parses executor calldata back into a plan. Unknown versions are
// rejected.
func DecodePlan(data []byte) (*RoutePlan, error) {
	r := bytes.NewReader(data)

	var magic [2]byte
	if _, err := r.Read(magic[:]); err != nil || magic != calldataMagic {
		return nil, fmt.Errorf("bad calldata magic")
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated calldata")
	}
	if version != CalldataVersion {
		return nil, fmt.Errorf("unsupported calldata version %d", version)
	}

	provLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated calldata")
	}
	provBytes := make([]byte, provLen)
	if _, err := readFull(r, provBytes); err != nil {
		return nil, err
	}

	plan := &RoutePlan{ProviderID: string(provBytes)}

	addr := make([]byte, 20)
	word := make([]byte, 32)

	if _, err := readFull(r, addr); err != nil {
		return nil, err
	}
	plan.LoanToken = common.BytesToAddress(addr)

	if _, err := readFull(r, word); err != nil {
		return nil, err
	}
	plan.LoanAmount = new(big.Int).SetBytes(word)

	if _, err := readFull(r, word); err != nil {
		return nil, err
	}
	plan.MinOut = new(big.Int).SetBytes(word)

	hopCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated calldata")
	}

	for i := 0; i < int(hopCount); i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated hop %d", i)
		}
		switch kindByte {
		case hopByteSwap:
			poolByte, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("truncated hop %d", i)
			}
			poolKind, ok := poolKindFromByte[poolByte]
			if !ok {
				return nil, fmt.Errorf("hop %d has unknown pool kind byte %#x", i, poolByte)
			}
			hop := PlanHop{Kind: models.HopKindSwap, PoolKind: poolKind}
			if hop.ChainID, err = readUint64(r); err != nil {
				return nil, err
			}
			for _, target := range []*common.Address{&hop.Pool, &hop.TokenIn, &hop.TokenOut} {
				if _, err := readFull(r, addr); err != nil {
					return nil, err
				}
				*target = common.BytesToAddress(addr)
			}
			plan.Hops = append(plan.Hops, hop)
		case hopByteBridge:
			hop := PlanHop{Kind: models.HopKindBridge}
			if hop.FromChainID, err = readUint64(r); err != nil {
				return nil, err
			}
			if hop.ToChainID, err = readUint64(r); err != nil {
				return nil, err
			}
			if _, err := readFull(r, addr); err != nil {
				return nil, err
			}
			hop.Token = common.BytesToAddress(addr)
			plan.Hops = append(plan.Hops, hop)
		default:
			return nil, fmt.Errorf("hop %d has unknown kind byte %#x", i, kindByte)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after %d hops", hopCount)
	}
	return plan, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, fmt.Errorf("truncated calldata")
	}
	return n, nil
}
