package model

import (
	"math"
	"math/rand"
	"sort"
)

// TreeNode is one node of a decision tree. Leaf nodes carry either a
// regression value (boosting) or a class distribution (forest).
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
	Leaf      bool
	Value     float64
	Dist      []float64
}

func (n *TreeNode) descend(x []float64) *TreeNode {
	node := n
	for !node.Leaf {
		if x[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

// PredictValue walks to a leaf and returns its regression value
func (n *TreeNode) PredictValue(x []float64) float64 {
	return n.descend(x).Value
}

// PredictDist walks to a leaf and returns its class distribution
func (n *TreeNode) PredictDist(x []float64) []float64 {
	return n.descend(x).Dist
}

// regressionParams controls a gradient-fitting tree
type regressionParams struct {
	maxDepth       int
	minChildWeight float64
	lambda         float64
	gamma          float64
	colSample      float64
	rng            *rand.Rand
}

// buildRegressionTree fits a tree to gradient/hessian pairs, leaf values
// being the Newton step -G/(H+lambda). rows indexes into the full matrix.
func buildRegressionTree(X [][]float64, grad, hess []float64, rows []int, params regressionParams) *TreeNode {
	return growRegression(X, grad, hess, rows, 0, params)
}

func growRegression(X [][]float64, grad, hess []float64, rows []int, depth int, params regressionParams) *TreeNode {
	var gSum, hSum float64
	for _, i := range rows {
		gSum += grad[i]
		hSum += hess[i]
	}

	leaf := &TreeNode{Leaf: true, Value: -gSum / (hSum + params.lambda)}
	if depth >= params.maxDepth || hSum < 2*params.minChildWeight || len(rows) < 2 {
		return leaf
	}

	feature, threshold, gain := bestRegressionSplit(X, grad, hess, rows, gSum, hSum, params)
	if feature < 0 || gain <= params.gamma {
		return leaf
	}

	var left, right []int
	for _, i := range rows {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leaf
	}

	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growRegression(X, grad, hess, left, depth+1, params),
		Right:     growRegression(X, grad, hess, right, depth+1, params),
	}
}

func bestRegressionSplit(X [][]float64, grad, hess []float64, rows []int, gTotal, hTotal float64, params regressionParams) (int, float64, float64) {
	numFeatures := len(X[rows[0]])
	features := sampleFeatures(numFeatures, params.colSample, params.rng)

	parentScore := gTotal * gTotal / (hTotal + params.lambda)
	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0

	order := make([]int, len(rows))
	for _, f := range features {
		copy(order, rows)
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		var gLeft, hLeft float64
		for idx := 0; idx < len(order)-1; idx++ {
			i := order[idx]
			gLeft += grad[i]
			hLeft += hess[i]

			cur, next := X[i][f], X[order[idx+1]][f]
			if cur == next {
				continue
			}
			hRight := hTotal - hLeft
			if hLeft < params.minChildWeight || hRight < params.minChildWeight {
				continue
			}
			gRight := gTotal - gLeft
			gain := gLeft*gLeft/(hLeft+params.lambda) +
				gRight*gRight/(hRight+params.lambda) - parentScore
			if gain > bestGain {
				bestFeature = f
				bestThreshold = (cur + next) / 2
				bestGain = gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain
}

// classificationParams controls a forest member tree
type classificationParams struct {
	numClasses      int
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	colSample       float64
	rng             *rand.Rand
}

// buildClassificationTree grows a weighted-gini CART tree with
// class-distribution leaves
func buildClassificationTree(X [][]float64, y []int, w []float64, rows []int, params classificationParams) *TreeNode {
	return growClassification(X, y, w, rows, 0, params)
}

func growClassification(X [][]float64, y []int, w []float64, rows []int, depth int, params classificationParams) *TreeNode {
	dist := classDistribution(y, w, rows, params.numClasses)

	if depth >= params.maxDepth || len(rows) < params.minSamplesSplit || pure(y, rows) {
		return &TreeNode{Leaf: true, Dist: dist}
	}

	feature, threshold := bestGiniSplit(X, y, w, rows, params)
	if feature < 0 {
		return &TreeNode{Leaf: true, Dist: dist}
	}

	var left, right []int
	for _, i := range rows {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < params.minSamplesLeaf || len(right) < params.minSamplesLeaf {
		return &TreeNode{Leaf: true, Dist: dist}
	}

	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growClassification(X, y, w, left, depth+1, params),
		Right:     growClassification(X, y, w, right, depth+1, params),
	}
}

func bestGiniSplit(X [][]float64, y []int, w []float64, rows []int, params classificationParams) (int, float64) {
	numFeatures := len(X[rows[0]])
	features := sampleFeatures(numFeatures, params.colSample, params.rng)

	parent := weightedGini(y, w, rows, params.numClasses)
	bestFeature, bestThreshold, bestGain := -1, 0.0, 1e-12

	order := make([]int, len(rows))
	leftCounts := make([]float64, params.numClasses)
	rightCounts := make([]float64, params.numClasses)

	for _, f := range features {
		copy(order, rows)
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		for c := range leftCounts {
			leftCounts[c] = 0
			rightCounts[c] = 0
		}
		var wLeft, wRight float64
		for _, i := range order {
			rightCounts[y[i]] += w[i]
			wRight += w[i]
		}

		for idx := 0; idx < len(order)-1; idx++ {
			i := order[idx]
			leftCounts[y[i]] += w[i]
			rightCounts[y[i]] -= w[i]
			wLeft += w[i]
			wRight -= w[i]

			cur, next := X[i][f], X[order[idx+1]][f]
			if cur == next || wLeft == 0 || wRight == 0 {
				continue
			}
			if idx+1 < params.minSamplesLeaf || len(order)-idx-1 < params.minSamplesLeaf {
				continue
			}

			total := wLeft + wRight
			gain := parent - (wLeft/total)*giniOf(leftCounts, wLeft) - (wRight/total)*giniOf(rightCounts, wRight)
			if gain > bestGain {
				bestFeature = f
				bestThreshold = (cur + next) / 2
				bestGain = gain
			}
		}
	}
	return bestFeature, bestThreshold
}

func classDistribution(y []int, w []float64, rows []int, numClasses int) []float64 {
	dist := make([]float64, numClasses)
	var total float64
	for _, i := range rows {
		dist[y[i]] += w[i]
		total += w[i]
	}
	if total > 0 {
		for c := range dist {
			dist[c] /= total
		}
	}
	return dist
}

func weightedGini(y []int, w []float64, rows []int, numClasses int) float64 {
	counts := make([]float64, numClasses)
	var total float64
	for _, i := range rows {
		counts[y[i]] += w[i]
		total += w[i]
	}
	return giniOf(counts, total)
}

func giniOf(counts []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := c / total
		g -= p * p
	}
	return g
}

func pure(y []int, rows []int) bool {
	first := y[rows[0]]
	for _, i := range rows[1:] {
		if y[i] != first {
			return false
		}
	}
	return true
}

// sampleFeatures picks a random feature subset. fraction <= 0 means sqrt.
func sampleFeatures(numFeatures int, fraction float64, rng *rand.Rand) []int {
	count := numFeatures
	if fraction > 0 && fraction < 1 {
		count = int(math.Ceil(fraction * float64(numFeatures)))
	} else if fraction <= 0 {
		count = int(math.Ceil(math.Sqrt(float64(numFeatures))))
	}
	if count >= numFeatures {
		all := make([]int, numFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}
	perm := rng.Perm(numFeatures)
	return perm[:count]
}
