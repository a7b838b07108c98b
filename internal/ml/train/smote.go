package train

import (
	"math"
	"math/rand"
)

// Smote oversamples minority classes by interpolating between a sample and
// its nearest same-class neighbor. Deterministic for a fixed seed. Applied
// to the training split only, after encoding.
func Smote(X [][]float64, y []int, seed int64) ([][]float64, []int) {
	counts := make(map[int]int)
	for _, label := range y {
		counts[label]++
	}
	majority := 0
	for _, c := range counts {
		if c > majority {
			majority = c
		}
	}

	rng := rand.New(rand.NewSource(seed))
	outX := append([][]float64(nil), X...)
	outY := append([]int(nil), y...)

	// iterate classes in index order for determinism
	maxClass := 0
	for label := range counts {
		if label > maxClass {
			maxClass = label
		}
	}

	for class := 0; class <= maxClass; class++ {
		need := majority - counts[class]
		if need <= 0 || counts[class] < 2 {
			continue
		}

		var members []int
		for i, label := range y {
			if label == class {
				members = append(members, i)
			}
		}

		for s := 0; s < need; s++ {
			a := members[rng.Intn(len(members))]
			b := nearestNeighbor(X, members, a)
			t := rng.Float64()
			synthetic := make([]float64, len(X[a]))
			for j := range synthetic {
				synthetic[j] = X[a][j] + t*(X[b][j]-X[a][j])
			}
			outX = append(outX, synthetic)
			outY = append(outY, class)
		}
	}
	return outX, outY
}

func nearestNeighbor(X [][]float64, members []int, self int) int {
	best := -1
	bestDist := math.Inf(1)
	for _, i := range members {
		if i == self {
			continue
		}
		d := squaredDistance(X[self], X[i])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return self
	}
	return best
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
