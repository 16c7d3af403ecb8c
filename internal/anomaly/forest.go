package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// ErrNoTrainingData is returned when a model fit is attempted on zero rows.
var ErrNoTrainingData = errors.New("no training data")

// Params configures model fitting.
type Params struct {
	// Trees is the ensemble size.
	Trees int
	// Subsample caps how many training rows each tree sees.
	Subsample int
	// Seed makes fits reproducible; each tree derives its own source from it.
	Seed int64
	// Workers bounds concurrent per-user model runs; 0 means GOMAXPROCS.
	Workers int
}

// DefaultParams returns the standard isolation-forest settings.
func DefaultParams() Params {
	return Params{
		Trees:     100,
		Subsample: 256,
		Seed:      1,
	}
}

func (p Params) withDefaults() Params {
	if p.Trees <= 0 {
		p.Trees = 100
	}
	if p.Subsample <= 0 {
		p.Subsample = 256
	}
	return p
}

func (p Params) workerCount() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Forest is a fitted isolation forest. Points that random recursive
// partitioning isolates in fewer splits score as more anomalous.
type Forest struct {
	trees      []*treeNode
	sampleSize int
}

type treeNode struct {
	// internal nodes
	feature int
	split   float64
	left    *treeNode
	right   *treeNode

	// external nodes
	size int
	leaf bool
}

// Fit builds an isolation forest over the rows. Tree construction runs on a
// worker pool; each tree seeds its own random source from Params.Seed, so
// the fit is deterministic regardless of scheduling.
func Fit(rows [][]float64, params Params) (*Forest, error) {
	if len(rows) == 0 {
		return nil, ErrNoTrainingData
	}
	params = params.withDefaults()

	sampleSize := params.Subsample
	if sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize) + 1e-9)))
	if heightLimit < 1 {
		heightLimit = 1
	}

	forest := &Forest{
		trees:      make([]*treeNode, params.Trees),
		sampleSize: sampleSize,
	}

	sem := make(chan struct{}, params.workerCount())
	var wg sync.WaitGroup
	for i := range forest.trees {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rng := rand.New(rand.NewSource(params.Seed + int64(i)))
			sample := subsample(rows, sampleSize, rng)
			forest.trees[i] = buildTree(sample, 0, heightLimit, rng)
		}(i)
	}
	wg.Wait()

	return forest, nil
}

// subsample draws sampleSize rows without replacement.
func subsample(rows [][]float64, sampleSize int, rng *rand.Rand) [][]float64 {
	if sampleSize >= len(rows) {
		out := make([][]float64, len(rows))
		copy(out, rows)
		return out
	}
	idx := rng.Perm(len(rows))[:sampleSize]
	out := make([][]float64, sampleSize)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func buildTree(rows [][]float64, depth, heightLimit int, rng *rand.Rand) *treeNode {
	if len(rows) <= 1 || depth >= heightLimit {
		return &treeNode{leaf: true, size: len(rows)}
	}

	// Features where the sample still varies are split candidates.
	nFeatures := len(rows[0])
	candidates := make([]int, 0, nFeatures)
	for f := 0; f < nFeatures; f++ {
		min, max := rows[0][f], rows[0][f]
		for _, row := range rows[1:] {
			if row[f] < min {
				min = row[f]
			}
			if row[f] > max {
				max = row[f]
			}
		}
		if max > min {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &treeNode{leaf: true, size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	min, max := rows[0][feature], rows[0][feature]
	for _, row := range rows[1:] {
		if row[feature] < min {
			min = row[feature]
		}
		if row[feature] > max {
			max = row[feature]
		}
	}
	split := min + rng.Float64()*(max-min)

	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{leaf: true, size: len(rows)}
	}

	return &treeNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, heightLimit, rng),
		right:   buildTree(right, depth+1, heightLimit, rng),
	}
}

// Score returns the anomaly score of a row in (0, 1); higher is more
// anomalous.
func (f *Forest) Score(row []float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, row, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/averagePathLength(f.sampleSize))
}

// Predict labels each row: true marks an outlier. With no assumed
// contamination fraction the decision threshold is the model's own midpoint,
// a score above 0.5.
func (f *Forest) Predict(rows [][]float64) []bool {
	labels := make([]bool, len(rows))
	for i, row := range rows {
		labels[i] = f.Score(row) > 0.5
	}
	return labels
}

func pathLength(node *treeNode, row []float64, depth int) float64 {
	if node.leaf {
		return float64(depth) + averagePathLength(node.size)
	}
	if row[node.feature] < node.split {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

const eulerGamma = 0.5772156649015329

// averagePathLength is the expected path length of an unsuccessful BST
// search over n points, used to normalize depths at external nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		return 2*(math.Log(float64(n-1))+eulerGamma) - 2*float64(n-1)/float64(n)
	}
}
