package fairness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash — PrevHash первого блока.
var GenesisHash = strings.Repeat("0", 64)

// ComputeHash считает sha256 блока по всем полям, кроме Hash.
// Время берётся в микросекундах: столько хранит PostgreSQL.
func ComputeHash(b *BlockRecord) string {
	ids, _ := json.Marshal(b.ProcessedIDs)
	results, _ := json.Marshal(b.Results)

	data := fmt.Sprintf("%d|%s|%s|%d|%s|%s",
		b.BlockNumber,
		b.PrevHash,
		b.Seed,
		b.Timestamp.UnixMicro(),
		ids,
		results,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyChain проверяет непрерывность номеров, связь PrevHash и хеши блоков.
// prev — блок перед blocks[0] или nil, если blocks начинается с первого блока.
func VerifyChain(prev *BlockRecord, blocks []BlockRecord) error {
	for i := range blocks {
		b := &blocks[i]

		switch {
		case prev == nil:
			if b.BlockNumber != 1 || b.PrevHash != GenesisHash {
				return fmt.Errorf("блок %d: некорректное начало цепочки", b.BlockNumber)
			}
		case b.BlockNumber != prev.BlockNumber+1:
			return fmt.Errorf("блок %d: ожидался номер %d", b.BlockNumber, prev.BlockNumber+1)
		case b.PrevHash != prev.Hash:
			return fmt.Errorf("блок %d: prev_hash не совпадает с хешем блока %d", b.BlockNumber, prev.BlockNumber)
		}

		if want := ComputeHash(b); b.Hash != want {
			return fmt.Errorf("блок %d: хеш %s, ожидался %s", b.BlockNumber, b.Hash, want)
		}
		prev = b
	}
	return nil
}
