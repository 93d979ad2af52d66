package enum

type EmailState string

const (
	EmailStateInbound   EmailState = "inbound"
	EmailStateProcessed EmailState = "processed"
)

func (t EmailState) String() string {
	return string(t)
}

type EntityType string

const (
	EMAIL        EntityType = "EMAIL"
	SYNC_REQUEST EntityType = "SYNC_REQUEST"
)

func (entityType EntityType) String() string {
	return string(entityType)
}
