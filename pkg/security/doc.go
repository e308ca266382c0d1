/*
Package security provides AES-256-GCM secrets encryption for sandboxd.

# Cluster Encryption Key

All encryption is rooted in a single 32-byte key derived from the
storage data directory at startup:

	clusterKey = SHA-256(dataDir)

SetClusterEncryptionKey installs it as the package-level key used by
Encrypt/Decrypt; it is held only in memory and must be rederivable from
the same data directory on restart.

# Secrets Encryption

SecretsManager wraps AES-256 in Galois/Counter Mode (GCM), giving
authenticated encryption — tampering with the ciphertext fails
decryption rather than silently returning corrupted plaintext:

	Plaintext → AES-256-GCM → [nonce || ciphertext || tag]

EncryptSecret generates a random 12-byte nonce per call and prepends it
to the output; DecryptSecret splits the nonce back off before opening.
NewSecretsManager takes a raw 32-byte key, NewSecretsManagerFromPassword
derives one via SHA-256 for callers that only have a passphrase.

The package-level Encrypt/Decrypt functions operate against the
installed cluster key without constructing a SecretsManager directly;
pkg/storage uses them to encrypt a tenant's custom-domain private key at
rest (§4.7).
*/
package security
