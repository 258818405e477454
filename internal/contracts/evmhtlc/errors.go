package evmhtlc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// ErrReverted is returned for a mined transaction with failed status whose revert
// reason could not be recovered.
var ErrReverted = errors.New("transaction reverted")

// revertReasons maps contract require messages onto the coded errors.
var revertReasons = []struct {
	reason string
	err    *htlc.Error
}{
	{"Swap intent not expired", htlc.ErrSwapNotExpired},
	{"Swap intent already exists", htlc.ErrSwapAlreadyExists},
	{"Swap intent expired", htlc.ErrSwapExpired},
	{"Expiry in the past", htlc.ErrExpiryInPast},
	{"Unknown swap", htlc.ErrUnknownSwap},
	{"No value", htlc.ErrNonPositiveAmount},
	{"Asset contract not whitelisted", htlc.ErrAssetNotWhitelisted},
	{"Ownable: caller is not the owner", htlc.ErrOwnerOnly},
	{"ERC20: transfer amount exceeds balance", htlc.ErrInsufficientBalance},
	{"ERC20: insufficient allowance", htlc.ErrInsufficientBalance},
	{"ERC721: transfer from incorrect owner", htlc.ErrNotOwner},
	{"ERC721: caller is not token owner or approved", htlc.ErrNotOwner},
	{"ERC721: invalid token ID", htlc.ErrNotOwner},
}

// ReasonError maps a revert reason onto a coded error, or nil if it is not known.
func ReasonError(reason string) *htlc.Error {
	for _, r := range revertReasons {
		if strings.Contains(reason, r.reason) {
			return r.err
		}
	}
	return nil
}

// DecodeRevert extracts the revert reason of a failed call and maps it onto the coded
// errors. Errors that carry no known reason are returned unchanged.
func DecodeRevert(err error) error {
	if err == nil {
		return nil
	}

	reason, ok := revertReason(err)
	if !ok {
		return err
	}
	if coded := ReasonError(reason); coded != nil {
		return fmt.Errorf("%w: %s", coded, reason)
	}
	return fmt.Errorf("%w: %s", ErrReverted, reason)
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	const marker = "execution reverted: "
	msg := err.Error()
	if i := strings.Index(msg, marker); i >= 0 {
		return msg[i+len(marker):], true
	}
	return "", false
}
