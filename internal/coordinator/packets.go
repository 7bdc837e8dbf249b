package coordinator

// Packet type constants, per spec §4.2 / §6.
const (
	// Outgoing (client -> coordinator).
	PacketClientListing uint8 = 4
	PacketClientConnect uint8 = 6

	// Incoming (coordinator -> client).
	PacketGCError        uint8 = 0
	PacketGCListing       uint8 = 5
	PacketGCConnecting    uint8 = 7
	PacketGCConnectFailed uint8 = 9
	PacketGCDirectConnect uint8 = 11
	PacketGCStunRequest   uint8 = 12
	PacketGCNewgrfLookup  uint8 = 15
	PacketGCTurnConnect   uint8 = 16
)

// Protocol versions this client speaks, per spec §4.2.1.
const (
	coordVersion    uint8 = 6
	gameInfoVersion uint8 = 7
)

// revisionTag is sent as the CLIENT_LISTING revision field: a recent stable
// release tag, matching what the teacher's config package would have
// called a build/version string had it needed one.
const revisionTag = "14.1"
