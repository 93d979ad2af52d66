package interfaces

import "context"

// StorageService archives raw RFC 822 messages under the key carried by EmailImported.
type StorageService interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}
