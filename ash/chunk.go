package ash

// ChunkSize is the largest DATA payload used when a request does not fit into one frame
const ChunkSize = 128

// splitPayload cuts payload into DATA payloads. A payload that fits into one frame
// stays whole. Longer ones are cut into parts of nearly equal size, none longer than
// ChunkSize, so the last part never falls below MinPayloadSize.
func splitPayload(payload []byte) [][]byte {
	if len(payload) <= MaxPayloadSize {
		return [][]byte{payload}
	}
	n := (len(payload) + ChunkSize - 1) / ChunkSize
	parts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, payload[i*len(payload)/n:(i+1)*len(payload)/n])
	}
	return parts
}
