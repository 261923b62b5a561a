// Package crypto implements the cryptographic identity primitives for the
// overlay: Ed25519 key pairs, message signatures, and the 512-bit node
// identifier derived from a public key.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id := crypto.NewNodeID(keys.Public)
//	fmt.Println("Node ID:", id.String())
package crypto
