package htlc

// CheckRegistration validates the hash and expiry of a registration, in that order.
func CheckRegistration(hash []byte, expiration, height uint64) (Hash, error) {
	h, err := HashFromBytes(hash)
	if err != nil {
		return h, err
	}
	if expiration <= height {
		return h, ErrExpiryInPast
	}
	return h, nil
}

// CheckClaim enforces the claim window: strictly before expiry.
func CheckClaim(intent *SwapIntent, height uint64) error {
	if intent == nil {
		return ErrUnknownSwap
	}
	if height >= intent.ExpirationHeight {
		return ErrSwapExpired
	}
	return nil
}

// CheckRefund enforces the refund window: at or after expiry.
func CheckRefund(intent *SwapIntent, height uint64) error {
	if intent == nil {
		return ErrUnknownSwap
	}
	if height < intent.ExpirationHeight {
		return ErrSwapNotExpired
	}
	return nil
}

// CheckAssetContract rejects a token call naming a different contract than the intent.
func CheckAssetContract(intent *SwapIntent, contract string) error {
	if intent.Asset.IsToken() && intent.Asset.Contract != contract {
		return ErrInvalidAssetContract
	}
	return nil
}
