// Package fusion - Weighted Box Fusion of detection proposals.
//
// Boxes are expected in normalized [0, 1] corner coordinates. Coordinates outside
// that range are clipped, inverted corners are swapped and zero-area boxes are
// dropped; every such correction is counted in the returned Report.
package fusion

import (
	"slices"
	"sort"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/pkg/errors"
)

// ConfType selects how the confidence of a fused box is aggregated.
type ConfType string

const (
	// ConfAvg averages member scores and rescales by the number of contributing sets.
	ConfAvg ConfType = "avg"
	// ConfMax keeps the highest member score.
	ConfMax ConfType = "max"
	// ConfBoxAndModelAvg averages over boxes, then rescales by the weights of the
	// distinct sets present in the cluster.
	ConfBoxAndModelAvg ConfType = "box_and_model_avg"
	// ConfAbsentModelAwareAvg averages over boxes with the weights of absent sets
	// added to the denominator.
	ConfAbsentModelAwareAvg ConfType = "absent_model_aware_avg"
)

var (
	// ErrWeightsMismatch is returned when the number of weights differs from the number of sets.
	ErrWeightsMismatch = errors.New("number of weights does not match number of box sets")
	// ErrUnknownConfType is returned for an unsupported ConfType.
	ErrUnknownConfType = errors.New("unknown confidence aggregation type")
	// ErrLengthMismatch is returned when boxes, scores and labels of a set differ in length.
	ErrLengthMismatch = errors.New("boxes, scores and labels differ in length")
	// ErrInvalidWeights is returned when the weights do not sum to a positive value.
	ErrInvalidWeights = errors.New("weights must sum to a positive value")
)

// Options configures WeightedBoxesFusion.
type Options struct {
	// Weights holds one weight per set. Nil means every set weighs 1.
	Weights []float32 `json:"weights" yaml:"weights"`
	// IoUThreshold is the overlap a box must exceed to join a cluster.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// SkipBoxThreshold drops boxes scoring below it before clustering.
	SkipBoxThreshold float32 `json:"skip_box_threshold" yaml:"skip_box_threshold"`
	// ConfType selects the score aggregation rule. Empty means ConfAvg.
	ConfType ConfType `json:"conf_type" yaml:"conf_type"`
	// AllowsOverflow lets ConfAvg scores exceed 1 when a set contributes several boxes
	// to one cluster.
	AllowsOverflow bool `json:"allows_overflow" yaml:"allows_overflow"`
}

// DefaultOptions returns the reference defaults: IoU 0.55, no skip threshold, avg.
func DefaultOptions() Options {
	return Options{
		IoUThreshold:     0.55,
		SkipBoxThreshold: 0.0,
		ConfType:         ConfAvg,
	}
}

// Report counts the input corrections made while prefiltering.
type Report struct {
	// Skipped boxes scored below the skip threshold.
	Skipped int
	// Swapped boxes had x2 < x1 or y2 < y1.
	Swapped int
	// Clipped boxes had a coordinate outside [0, 1].
	Clipped int
	// ZeroArea boxes were dropped after correction.
	ZeroArea int
}

// Corrected reports whether any box had to be repaired or dropped as invalid.
func (r Report) Corrected() bool {
	return r.Swapped > 0 || r.Clipped > 0 || r.ZeroArea > 0
}

// Result holds fused boxes sorted by descending score.
type Result struct {
	Boxes  []images.Rect
	Scores []float32
	Labels []int
	Report Report
}

// candidate is one prefiltered box. For fused boxes score is the aggregated
// confidence and weight the sum of member weights.
type candidate struct {
	label  int
	score  float32
	weight float32
	set    int
	box    images.Rect
}

// WeightedBoxesFusion clusters overlapping boxes of the same label across all sets
// and merges each cluster into one box whose coordinates are the score-weighted
// mean of its members.
//
// Arguments:
//   - boxes: One slice of normalized boxes per set (model or augmentation).
//   - scores: Scores aligned with boxes.
//   - labels: Class labels aligned with boxes.
//   - opts: Weights, thresholds and the score aggregation rule.
//
// Returns:
//   - *Result: Fused boxes, scores and labels, highest score first. Empty when no
//     box survives prefiltering.
//   - error: ErrWeightsMismatch, ErrUnknownConfType, ErrInvalidWeights or
//     ErrLengthMismatch.
//
// Example:
//
// ```go
//
//	res, err := fusion.WeightedBoxesFusion(
//	    [][]images.Rect{{{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.5}}, {{X1: 0.11, Y1: 0.1, X2: 0.5, Y2: 0.52}}},
//	    [][]float32{{0.9}, {0.8}},
//	    [][]int{{1}, {1}},
//	    fusion.DefaultOptions(),
//	)
//
// ```
func WeightedBoxesFusion(boxes [][]images.Rect, scores [][]float32, labels [][]int, opts Options) (*Result, error) {
	if len(scores) != len(boxes) || len(labels) != len(boxes) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d box sets, %d score sets, %d label sets",
			len(boxes), len(scores), len(labels))
	}

	weights := opts.Weights
	if weights == nil {
		weights = make([]float32, len(boxes))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(boxes) {
		return nil, errors.Wrapf(ErrWeightsMismatch, "got %d weights for %d sets", len(weights), len(boxes))
	}

	var weightSum, weightMax float32
	for _, w := range weights {
		weightSum += w
		weightMax = math32.Max(weightMax, w)
	}
	if len(weights) > 0 && weightSum <= 0 {
		return nil, ErrInvalidWeights
	}

	confType := opts.ConfType
	if confType == "" {
		confType = ConfAvg
	}
	switch confType {
	case ConfAvg, ConfMax, ConfBoxAndModelAvg, ConfAbsentModelAwareAvg:
	default:
		return nil, errors.Wrapf(ErrUnknownConfType, "%q", confType)
	}

	groups, order, report, err := prefilter(boxes, scores, labels, weights, opts.SkipBoxThreshold)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Boxes:  []images.Rect{},
		Scores: []float32{},
		Labels: []int{},
		Report: report,
	}
	if len(order) == 0 {
		return result, nil
	}

	var fused []candidate
	for _, label := range order {
		clusters, merged := clusterize(groups[label], opts.IoUThreshold, confType)
		for i := range merged {
			merged[i].score = rescaleScore(merged[i], clusters[i], weights, weightSum, weightMax, confType, opts.AllowsOverflow)
		}
		fused = append(fused, merged...)
	}

	sortByScore(fused)

	for _, f := range fused {
		result.Boxes = append(result.Boxes, f.box)
		result.Scores = append(result.Scores, f.score)
		result.Labels = append(result.Labels, f.label)
	}

	return result, nil
}

// prefilter validates and repairs input boxes and groups them by label. Groups are
// sorted by weighted score, highest first; order lists labels by first appearance.
func prefilter(boxes [][]images.Rect, scores [][]float32, labels [][]int, weights []float32, skip float32) (map[int][]candidate, []int, Report, error) {
	var report Report
	groups := map[int][]candidate{}
	var order []int

	for set := range boxes {
		if len(boxes[set]) != len(scores[set]) || len(boxes[set]) != len(labels[set]) {
			return nil, nil, report, errors.Wrapf(ErrLengthMismatch, "set %d: %d boxes, %d scores, %d labels",
				set, len(boxes[set]), len(scores[set]), len(labels[set]))
		}

		for j, b := range boxes[set] {
			score := scores[set][j]
			if !(score >= skip) {
				report.Skipped++
				continue
			}

			if b.X2 < b.X1 || b.Y2 < b.Y1 {
				report.Swapped++
				if b.X2 < b.X1 {
					b.X1, b.X2 = b.X2, b.X1
				}
				if b.Y2 < b.Y1 {
					b.Y1, b.Y2 = b.Y2, b.Y1
				}
			}

			clipped := images.Rect{X1: clip01(b.X1), Y1: clip01(b.Y1), X2: clip01(b.X2), Y2: clip01(b.Y2)}
			if clipped != b {
				report.Clipped++
				b = clipped
			}

			if (b.X2-b.X1)*(b.Y2-b.Y1) == 0 {
				report.ZeroArea++
				continue
			}

			label := labels[set][j]
			if _, ok := groups[label]; !ok {
				order = append(order, label)
			}
			groups[label] = append(groups[label], candidate{
				label:  label,
				score:  score * weights[set],
				weight: weights[set],
				set:    set,
				box:    b,
			})
		}
	}

	for _, label := range order {
		sortByScore(groups[label])
	}

	return groups, order, report, nil
}

// sortByScore orders candidates by descending score. Equal scores end up in reverse
// input order, the order a reversed ascending argsort produces in ensemble_boxes.
func sortByScore(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].score < c[j].score
	})
	slices.Reverse(c)
}

// clusterize assigns each box to the best-overlapping fused box or opens a new
// cluster. It returns the members of each cluster and the running fused boxes.
func clusterize(group []candidate, iouThreshold float32, confType ConfType) ([][]candidate, []candidate) {
	var clusters [][]candidate
	var fused []candidate

	for _, c := range group {
		best := -1
		bestIoU := iouThreshold
		for i, f := range fused {
			iou := images.CalculateIoU(f.box, c.box)
			if iou > bestIoU {
				best = i
				bestIoU = iou
			}
		}

		if best == -1 {
			clusters = append(clusters, []candidate{c})
			fused = append(fused, c)
			continue
		}

		clusters[best] = append(clusters[best], c)
		fused[best] = weightedBox(clusters[best], confType)
	}

	return clusters, fused
}

// weightedBox merges cluster members. Coordinates are averaged with the weighted
// scores as weights.
func weightedBox(members []candidate, confType ConfType) candidate {
	var box images.Rect
	var conf, maxConf, weight float32

	for _, m := range members {
		box.X1 += m.score * m.box.X1
		box.Y1 += m.score * m.box.Y1
		box.X2 += m.score * m.box.X2
		box.Y2 += m.score * m.box.Y2
		conf += m.score
		maxConf = math32.Max(maxConf, m.score)
		weight += m.weight
	}

	if conf > 0 {
		box = box.Scale(1/conf, 1/conf)
	} else {
		// All members scored zero; fall back to the plain mean.
		box = images.Rect{}
		for _, m := range members {
			box.X1 += m.box.X1
			box.Y1 += m.box.Y1
			box.X2 += m.box.X2
			box.Y2 += m.box.Y2
		}
		n := float32(len(members))
		box = box.Scale(1/n, 1/n)
	}

	out := candidate{
		label:  members[0].label,
		weight: weight,
		set:    -1,
		box:    box,
	}
	if confType == ConfMax {
		out.score = maxConf
	} else {
		out.score = conf / float32(len(members))
	}
	return out
}

// rescaleScore corrects the aggregated score for the number of sets and boxes that
// contributed to the cluster.
func rescaleScore(f candidate, members []candidate, weights []float32, weightSum, weightMax float32, confType ConfType, allowsOverflow bool) float32 {
	n := float32(len(members))

	switch confType {
	case ConfBoxAndModelAvg:
		score := f.score * n / f.weight
		var present float32
		for set := range distinctSets(members) {
			present += weights[set]
		}
		return score * present / weightSum
	case ConfAbsentModelAwareAvg:
		sets := distinctSets(members)
		var absent float32
		for set, w := range weights {
			if !sets[set] {
				absent += w
			}
		}
		return f.score * n / (f.weight + absent)
	case ConfMax:
		return f.score / weightMax
	default:
		if allowsOverflow {
			return f.score * n / weightSum
		}
		return f.score * math32.Min(float32(len(weights)), n) / weightSum
	}
}

func distinctSets(members []candidate) map[int]bool {
	sets := make(map[int]bool, len(members))
	for _, m := range members {
		sets[m.set] = true
	}
	return sets
}

func clip01(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 1)
}
