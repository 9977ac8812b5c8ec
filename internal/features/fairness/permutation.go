package fairness

import (
	"math"
	"sort"
	"time"

	"serotonyl.ru/wager/internal/random"
)

// Weight — вес действия возраста age: 1 + число полных корзин bucketWidth.
func Weight(age, bucketWidth time.Duration) float64 {
	if age <= 0 || bucketWidth <= 0 {
		return 1
	}
	return float64(1 + int64(age/bucketWidth))
}

// canonical упорядочивает снимок независимо от порядка обхода map.
func canonical(snapshot []PendingAction) []PendingAction {
	out := make([]PendingAction, len(snapshot))
	copy(out, snapshot)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Permutation строит порядок обработки снимка для сида seed в момент now.
//
// Действия старше maxWait идут первыми, от старых к новым. Остальные
// упорядочены взвешенной выборкой без возвращения (Efraimidis–Spirakis):
// ключ ln(u)/w, где u берётся из потока ChaCha8 сида, w = Weight(age).
// Функция чистая: одинаковые сид, снимок и now дают одинаковый порядок.
func Permutation(seed random.Seed, snapshot []PendingAction, now time.Time, bucketWidth, maxWait time.Duration) []PendingAction {
	items := canonical(snapshot)
	rng := random.Stream(seed)

	type keyed struct {
		a   PendingAction
		key float64
		pos int
	}

	var (
		forced   []PendingAction
		weighted []keyed
	)
	for i, a := range items {
		age := now.Sub(a.EnqueuedAt)
		if maxWait > 0 && age >= maxWait {
			forced = append(forced, a)
			continue
		}
		u := rng.Float64()
		key := math.Inf(-1)
		if u > 0 {
			key = math.Log(u) / Weight(age, bucketWidth)
		}
		weighted = append(weighted, keyed{a: a, key: key, pos: i})
	}

	sort.SliceStable(weighted, func(i, j int) bool {
		if weighted[i].key != weighted[j].key {
			return weighted[i].key > weighted[j].key
		}
		return weighted[i].pos < weighted[j].pos
	})

	out := make([]PendingAction, 0, len(items))
	out = append(out, forced...)
	for _, k := range weighted {
		out = append(out, k.a)
	}
	return out
}
