package memutil

const (
	// CreatedFillPattern is stamped across an allocation's bytes when it is
	// handed out, when guard margins are active
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is stamped across an allocation's bytes when it is
	// freed, when guard margins are active
	DestroyedFillPattern uint8 = 0xEF
)
