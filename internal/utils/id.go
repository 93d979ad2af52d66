package utils

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nanoIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func GenerateNanoID(length int) string {
	id, err := gonanoid.Generate(nanoIDAlphabet, length)
	if err != nil {
		panic(err)
	}
	return id
}

func GenerateNanoIDWithPrefix(prefix string, length int) string {
	return prefix + "_" + GenerateNanoID(length)
}

// GenerateUUID returns a random RFC 4122 identifier.
func GenerateUUID() string {
	return uuid.New().String()
}
