package executor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/models"
)

func samplePlan() *RoutePlan {
	return &RoutePlan{
		ProviderID: "balancer-v2-eth",
		LoanToken:  common.HexToAddress("0x0000000000000000000000000000000000000001"),
		LoanAmount: big.NewInt(10_000_000_000),
		MinOut:     big.NewInt(10_000_000_000),
		Hops: []PlanHop{
			{
				Kind:     models.HopKindSwap,
				PoolKind: models.PoolKindV2,
				ChainID:  1,
				Pool:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
				TokenIn:  common.HexToAddress("0x0000000000000000000000000000000000000001"),
				TokenOut: common.HexToAddress("0x0000000000000000000000000000000000000002"),
			},
			{
				Kind:        models.HopKindBridge,
				FromChainID: 1,
				ToChainID:   137,
				Token:       common.HexToAddress("0x0000000000000000000000000000000000000002"),
			},
			{
				Kind:     models.HopKindSwap,
				PoolKind: models.PoolKindCurve,
				ChainID:  137,
				Pool:     common.HexToAddress("0x00000000000000000000000000000000000000ab"),
				TokenIn:  common.HexToAddress("0x0000000000000000000000000000000000000003"),
				TokenOut: common.HexToAddress("0x0000000000000000000000000000000000000004"),
			},
		},
	}
}

func TestPlanRoundTrip(t *testing.T) {
	plan := samplePlan()

	encoded, err := EncodePlan(plan)
	require.NoError(t, err)

	decoded, err := DecodePlan(encoded)
	require.NoError(t, err)

	assert.Equal(t, plan.ProviderID, decoded.ProviderID)
	assert.Equal(t, plan.LoanToken, decoded.LoanToken)
	assert.Equal(t, 0, plan.LoanAmount.Cmp(decoded.LoanAmount))
	assert.Equal(t, 0, plan.MinOut.Cmp(decoded.MinOut))
	require.Len(t, decoded.Hops, len(plan.Hops))
	for i := range plan.Hops {
		assert.Equal(t, plan.Hops[i], decoded.Hops[i], "hop %d", i)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	encoded, err := EncodePlan(samplePlan())
	require.NoError(t, err)

	encoded[2] = 99
	_, err = DecodePlan(encoded)
	assert.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded, err := EncodePlan(samplePlan())
	require.NoError(t, err)

	encoded[0] = 'X'
	_, err = DecodePlan(encoded)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	encoded, err := EncodePlan(samplePlan())
	require.NoError(t, err)

	for _, cut := range []int{3, 10, len(encoded) / 2, len(encoded) - 1} {
		_, err = DecodePlan(encoded[:cut])
		assert.Error(t, err, "truncated at %d", cut)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	encoded, err := EncodePlan(samplePlan())
	require.NoError(t, err)

	_, err = DecodePlan(append(encoded, 0x00))
	assert.Error(t, err)
}

func TestEncodeRejectsEmptyPlan(t *testing.T) {
	plan := samplePlan()
	plan.Hops = nil
	_, err := EncodePlan(plan)
	assert.Error(t, err)
}
