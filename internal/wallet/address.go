package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// P2WPKHAddress returns the native SegWit address of pub.
func P2WPKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// AddressScript decodes address and returns the output script paying it.
func AddressScript(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", address, params.Name)
	}
	return txscript.PayToAddrScript(decoded)
}

// WIFToPrivateKey converts a WIF string to a private key.
func WIFToPrivateKey(wifStr string, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %w", err)
	}
	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("WIF is for different network")
	}
	return wif.PrivKey, nil
}
