package doubleratchet

import (
	"e2e_messenger/internal/cryptographic/kdf"
)

var (
	rootInfo   = []byte("RootKDF")
	chainInfo  = []byte("ChainKDF")
	chainInput = []byte("ChainInput")
)

// kdfRoot mixes a DH output into the root key and returns the new root key
// and a fresh chain key.
func kdfRoot(rootKey, dhOut []byte) ([]byte, []byte, error) {
	return kdf.Split(dhOut, rootKey, rootInfo)
}

// kdfChain advances a chain key and returns the next chain key and the
// message key for the current step.
func kdfChain(chainKey []byte) ([]byte, []byte, error) {
	return kdf.Split(chainInput, chainKey, chainInfo)
}
