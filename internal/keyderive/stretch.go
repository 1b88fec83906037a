package keyderive

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// Derivation parameters. These are compatibility contracts with existing
// installs: changing any of them makes every stored ciphertext unreadable.
const (
	stretchAIterations = 500_000

	stretchBRounds     = 10
	stretchBIterations = 50_000

	stretchCRounds = 100
)

// stretchA runs a single long HMAC chain. The evolving digest keys each
// step; the message covers the salt and the iteration index.
func stretchA(id DeviceIdentity, salt Salt) [32]byte {
	return hmacChain(id[:], salt[:], "pbkdf2_", stretchAIterations)
}

// stretchB runs ten rounds of shorter chains, each over a round-specific
// salt, carrying the key forward between rounds.
func stretchB(id DeviceIdentity, salt Salt) [32]byte {
	key := id
	for round := 0; round < stretchBRounds; round++ {
		roundSalt := append(append([]byte(nil), salt[:]...), []byte("argon2_round_"+strconv.Itoa(round))...)
		key = hmacChain(key[:], roundSalt, "pbkdf2_", stretchBIterations)
	}
	return key
}

// stretchC alternates SHA-256 and SHA3-512 over the evolving key. Each
// round takes the first 16 bytes of each digest; the concatenation order
// flips between rounds.
func stretchC(id DeviceIdentity, salt Salt) [32]byte {
	key := make([]byte, 0, len(id)+len(salt))
	key = append(key, id[:]...)
	key = append(key, salt[:]...)

	var out [32]byte
	for round := 0; round < stretchCRounds; round++ {
		d256 := sha256.Sum256(key)
		d512 := sha3.Sum512(key)
		if round%2 == 0 {
			copy(out[:16], d256[:16])
			copy(out[16:], d512[:16])
		} else {
			copy(out[:16], d512[:16])
			copy(out[16:], d256[:16])
		}
		key = append(key[:0], out[:]...)
	}
	return out
}

// combine XORs the three sub-keys byte-wise and runs one finalizing digest
// pass over the result.
func combine(a, b, c [32]byte) [32]byte {
	var mixed [32]byte
	for i := range mixed {
		mixed[i] = a[i] ^ b[i] ^ c[i]
	}
	return sha256.Sum256(mixed[:])
}

func hmacChain(seed, salt []byte, label string, iterations int) [32]byte {
	key := append([]byte(nil), seed...)
	for i := 0; i < iterations; i++ {
		mac := hmac.New(sha256.New, key)
		mac.Write(salt)
		mac.Write([]byte(label))
		mac.Write([]byte(strconv.Itoa(i)))
		key = mac.Sum(key[:0])
	}
	var out [32]byte
	copy(out[:], key)
	return out
}
