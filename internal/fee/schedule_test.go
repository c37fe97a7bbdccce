package fee

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	senderAddr = model.Address("0001-00000000-9B6F")
	localAddr  = model.Address("0001-00000001-8B4E")
	remoteAddr = model.Address("0002-00000000-75BD")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSchedule() *Schedule { return NewSchedule(DefaultConstants()) }

func TestTransferFee_Scenarios(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	tests := []struct {
		name      string
		recipient model.Address
		amount    string
		want      string
	}{
		{"local", localAddr, "10", "0.00500000000"},
		{"remote", remoteAddr, "10", "0.01000000000"},
		{"tiny local hits min fee", localAddr, "0.00000000001", "0.00000010000"},
		{"zero amount pays min fee", localAddr, "0", "0.00000010000"},
		{"floors below the last digit", localAddr, "0.00000123457", "0.00000010000"},
		{"proportional floors", localAddr, "1.23456789019", "0.00061728394"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.SendOneFee(senderAddr, tc.recipient, dec(tc.amount))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.StringFixed(Scale))
		})
	}
}

func TestTransferFee_MultiRecipientFloor(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	recipients := make(map[model.Address]decimal.Decimal)
	for i := 1; i <= 11; i++ {
		recipients[model.Address(fmt.Sprintf("0001-%08X-XXXX", i))] = decimal.Zero
	}
	got, err := s.TransferFee(senderAddr, recipients)
	require.NoError(t, err)
	assert.Equal(t, "0.00000011000", got.StringFixed(Scale))

	ten := make(map[model.Address]decimal.Decimal)
	for i := 1; i <= 10; i++ {
		ten[model.Address(fmt.Sprintf("0001-%08X-XXXX", i))] = decimal.Zero
	}
	got, err = s.TransferFee(senderAddr, ten)
	require.NoError(t, err)
	assert.Equal(t, "0.00000010000", got.StringFixed(Scale))
}

func TestTransferFee_MultiRecipientMixedLocality(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	got, err := s.TransferFee(senderAddr, map[model.Address]decimal.Decimal{
		localAddr:  dec("2"),
		remoteAddr: dec("4"),
	})
	require.NoError(t, err)
	// 2*0.0005 + 4*0.0005 + 4*0.0005 (remote)
	assert.Equal(t, "0.00500000000", got.StringFixed(Scale))
}

func TestTransferFee_Errors(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	_, err := s.TransferFee(senderAddr, nil)
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = s.SendOneFee(senderAddr, localAddr, dec("-1"))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestTransferFee_Properties(t *testing.T) {
	t.Parallel()
	s := newSchedule()
	c := s.Constants()

	amounts := []string{"0", "0.00000000001", "0.0001", "0.00019999999", "0.0002", "1", "10", "12345.67890123456"}
	for _, recipient := range []model.Address{localAddr, remoteAddr} {
		prev := decimal.Zero
		for _, a := range amounts {
			got, err := s.SendOneFee(senderAddr, recipient, dec(a))
			require.NoError(t, err)
			assert.True(t, got.GreaterThanOrEqual(c.MinTxFee), "fee floor for %s", a)
			if !prev.IsZero() {
				assert.True(t, got.GreaterThanOrEqual(prev), "monotonic at %s", a)
			}
			assert.Equal(t, got.StringFixed(Scale), Floor(got).StringFixed(Scale))
			prev = got
		}
	}
}

func TestBroadcastFee(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	tests := []struct {
		hexLen int
		want   string
	}{
		{0, "0.00000010000"},
		{64, "0.00000010000"},
		{66, "0.00000020000"},
		{128, "0.00000330000"},
	}
	for _, tc := range tests {
		got, err := s.BroadcastFee(tc.hexLen)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.StringFixed(Scale), "hex length %d", tc.hexLen)
	}

	_, err := s.BroadcastFee(63)
	assert.ErrorIs(t, err, ErrOddMessageLength)
}

func TestRetrieveFee(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	assert.Equal(t, "0.01000000000", s.RetrieveFee(dec("10"), false).StringFixed(Scale))
	// 0.01 + (10 - 0.01) * 0.0005 = 0.01 + 0.004995
	assert.Equal(t, "0.01499500000", s.RetrieveFee(dec("10"), true).StringFixed(Scale))
	// 0.00123456789 * 0.001 = 0.00000123456789
	assert.Equal(t, "0.00000123456", s.RetrieveFee(dec("0.00123456789"), false).StringFixed(Scale))
}

func TestLifecycleFees(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	local, err := s.CreateAccountFee(senderAddr, 1)
	require.NoError(t, err)
	remote, err := s.CreateAccountFee(senderAddr, 2)
	require.NoError(t, err)
	assert.Equal(t, "0.00010000000", local.StringFixed(Scale))
	assert.Equal(t, "0.00110000000", remote.StringFixed(Scale))

	assert.Equal(t, "1000.00000000000", s.CreateNodeFee().StringFixed(Scale))
	assert.Equal(t, "0.00000010000", s.ChangeKeyFee(false).StringFixed(Scale))
	assert.Equal(t, "0.00000010000", s.StatusChangeFee(NodeStatus).StringFixed(Scale))
	assert.Equal(t, "0.00000010000", s.RetrieveRequestFee().StringFixed(Scale))
	assert.Equal(t, "0.00020000000", s.MinBalance(false).StringFixed(Scale))
}

func TestFloorDiv(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "200.00000000000", FloorDiv(dec("400"), dec("2")).StringFixed(Scale))
	assert.Equal(t, "0.33333333333", FloorDiv(dec("1"), dec("3")).StringFixed(Scale))
	assert.Equal(t, "-0.33333333334", FloorDiv(dec("-1"), dec("3")).StringFixed(Scale))
	assert.Equal(t, "0.66666666666", FloorDiv(dec("2"), dec("3")).StringFixed(Scale))
}

func TestMaxTransferable(t *testing.T) {
	t.Parallel()
	s := newSchedule()

	for _, balance := range []string{"10", "0.00020020000", "1.23456789012", "0.0002"} {
		b := dec(balance)
		amount := s.MaxTransferable(b, false)
		available := b.Sub(s.MinBalance(false))
		if !amount.IsPositive() {
			continue
		}
		fee, err := s.SendOneFee(senderAddr, localAddr, amount)
		require.NoError(t, err)
		assert.False(t, amount.Add(fee).GreaterThan(available), "balance %s", balance)

		next := amount.Add(decimal.New(1, -Scale))
		nextFee, err := s.SendOneFee(senderAddr, localAddr, next)
		require.NoError(t, err)
		assert.True(t, next.Add(nextFee).GreaterThan(available), "balance %s not maximal", balance)
	}
	assert.True(t, s.MaxTransferable(dec("0.0001"), false).IsZero())
}

func TestLoadConstants(t *testing.T) {
	t.Parallel()

	c, err := LoadConstants("")
	require.NoError(t, err)
	assert.True(t, c.MinTxFee.Equal(DefaultConstants().MinTxFee))

	path := filepath.Join(t.TempDir(), "fees.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_tx_fee: \"0.0000002\"\nretrieve_fee_rate: 0.002\n"), 0o600))
	c, err = LoadConstants(path)
	require.NoError(t, err)
	assert.Equal(t, "0.00000020000", c.MinTxFee.StringFixed(Scale))
	assert.Equal(t, "0.002", c.RetrieveFeeRate.String())
	assert.True(t, c.LocalTransferCoefficient.Equal(dec("0.0005")), "untouched keys keep defaults")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("min_tx_fee: \"-1\"\n"), 0o600))
	_, err = LoadConstants(bad)
	assert.Error(t, err)

	_, err = LoadConstants(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
