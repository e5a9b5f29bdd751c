package domain

// Document collections.
const (
	CollectionEvents  = "events"
	CollectionStats   = "entity_stats"
	CollectionTags    = "tags"
	CollectionClients = "clients"
)
