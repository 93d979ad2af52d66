package interfaces

type CredentialCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	NeedsMigration(stored string) bool
}
