package kernel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/imaging"
)

// Params identifies one generated program.
type Params struct {
	SubsetSize    int
	Order         deformation.Order
	UsesLimits    bool
	Interpolation imaging.Interpolation
	Config        Configuration
}

// MaxPoints is the largest point count a program built for SubsetSize
// accepts: the full (2r+1)² square.
func (p Params) MaxPoints() int {
	side := 2*p.SubsetSize + 1
	return side * side
}

// Substitution points of the program template. Any backend consuming the
// generated source relies on exactly these being replaced.
const (
	phSubsetSize      = "%SUBSET_SIZE%"
	phCoeffCount      = "%COEFF_COUNT%"
	phInput           = "%INPUT%"
	phPointAccess     = "%POINT_ACCESS%"
	phDeformation     = "%DEFORMATION%"
	phInterpolation   = "%INTERPOLATION%"
	phCandidateDecode = "%CANDIDATE_DECODE%"
	phCriterion       = "%CRITERION%"
	phEntry           = "%ENTRY%"
)

var placeholderPattern = regexp.MustCompile(`%[A-Z_]+%`)

// Unresolved returns the substitution points still present in src.
func Unresolved(src string) []string {
	return placeholderPattern.FindAllString(src, -1)
}

// Generate builds the device program source for p.
func Generate(p Params) (string, error) {
	if !p.Config.IsConcrete() {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedConfiguration, p.Config)
	}
	if excluded, reason := Excluded(p.Config); excluded {
		return "", fmt.Errorf("%w: %s: %s", ErrUnsupportedConfiguration, p.Config, reason)
	}
	if p.SubsetSize < 0 {
		return "", fmt.Errorf("%w: subset size %d", ErrSubsetGeometry, p.SubsetSize)
	}
	if !p.Order.Valid() {
		return "", fmt.Errorf("%w: %s", deformation.ErrInvalidSearchSpace, p.Order)
	}

	r := strings.NewReplacer(
		phSubsetSize, strconv.Itoa(p.SubsetSize),
		phCoeffCount, strconv.Itoa(deformation.CoefficientCount(p.Order)),
		phInput, inputFragment(p.Config.Input),
		phPointAccess, pointFragment(p.Config.Layout),
		phDeformation, deformationFragment(p.Order),
		phInterpolation, interpolationFragment(p.Interpolation),
		phCandidateDecode, decodeFragment(p.UsesLimits, p.Config.Layout),
		phCriterion, criterionFragment(p.Config.Criterion),
		phEntry, variants[p.Config.Variant].entry,
	)
	src := r.Replace(programTemplate)
	if left := Unresolved(src); len(left) > 0 {
		return "", fmt.Errorf("%w: unresolved %v", ErrCompileFailed, left)
	}
	return src, nil
}

const programTemplate = `// correlation program
#define SUBSET_SIZE %SUBSET_SIZE%
#define MAX_POINTS ((2 * SUBSET_SIZE + 1) * (2 * SUBSET_SIZE + 1))
#define COEFF_COUNT %COEFF_COUNT%
#define CUBIC_A (-0.5f)

%INPUT%
%POINT_ACCESS%
%DEFORMATION%
%INTERPOLATION%
%CANDIDATE_DECODE%
%CRITERION%

#define KERNEL_ARGS IMAGE_T imgA, IMAGE_T imgB, int width, int height, \
	__global const float* points, __global const float* centers, __global const float* sigmas, \
	__global const float* table, __global const int* counts, \
	int subsetCount, int pointCount, int stride, long candidateStart, int candidateCount, \
	__global float* out

#define CALL_ARGS imgA, imgB, width, height, points, centers, sigmas, table, counts, pointCount, stride

float correlate_one(IMAGE_T imgA, IMAGE_T imgB, int width, int height,
                    __global const float* points, __global const float* centers,
                    __global const float* sigmas, __global const float* table,
                    __global const int* counts, int pointCount, int stride,
                    int s, long idx)
{
	float p[COEFF_COUNT];
	if (!decode(table, counts, s, idx, stride, p)) {
		return -INFINITY;
	}
	float cx = centers[2 * s];
	float cy = centers[2 * s + 1];
	float sigma = sigmas[s];
	float inv = sigma > 0.0f ? 1.0f / (2.0f * sigma * sigma) : 0.0f;

	float sw = 0.0f, sf = 0.0f, sg = 0.0f, sff = 0.0f, sgg = 0.0f, sfg = 0.0f;
	for (int i = 0; i < pointCount; i++) {
		float dx = POINT_X(points, s, i, pointCount);
		float dy = POINT_Y(points, s, i, pointCount);
		float rx = cx + dx;
		float ry = cy + dy;
		float tx = rx + DISPLACE_X(p, dx, dy);
		float ty = ry + DISPLACE_Y(p, dx, dy);
		if (!inside(rx, ry, width, height) || !inside(tx, ty, width, height)) {
			return -INFINITY;
		}
		float f = interpolate(imgA, width, height, rx, ry);
		float g = interpolate(imgB, width, height, tx, ty);
		float w = sigma > 0.0f ? exp(-(dx * dx + dy * dy) * inv) : 1.0f;
		sw += w;
		sf += w * f;
		sg += w * g;
		sff += w * f * f;
		sgg += w * g * g;
		sfg += w * f * g;
	}
	return criterion(sw, sf, sg, sff, sgg, sfg);
}

%ENTRY%

__kernel void reduce_max(__global const float* scores, int candidateCount,
                         __global float* best, __local float* scratch)
{
	int s = get_group_id(0);
	int lid = get_local_id(0);
	int lsize = get_local_size(0);
	float m = -INFINITY;
	for (int c = lid; c < candidateCount; c += lsize) {
		float v = scores[(long)s * candidateCount + c];
		if (!isnan(v)) {
			m = fmax(m, v);
		}
	}
	scratch[lid] = m;
	barrier(CLK_LOCAL_MEM_FENCE);
	for (int off = lsize / 2; off > 0; off >>= 1) {
		if (lid < off) {
			scratch[lid] = fmax(scratch[lid], scratch[lid + off]);
		}
		barrier(CLK_LOCAL_MEM_FENCE);
	}
	if (lid == 0) {
		best[s] = scratch[0];
	}
}

__kernel void locate_max(__global const float* scores, __global const float* best,
                         __global const float* table, __global const int* counts, int stride,
                         long candidateStart, int candidateCount, __global int* position,
                         __local float* norms, __local int* slots)
{
	int s = get_group_id(0);
	int lid = get_local_id(0);
	int lsize = get_local_size(0);
	float target = best[s];
	float bn = INFINITY;
	int bi = -1;
	for (int c = lid; c < candidateCount; c += lsize) {
		if (scores[(long)s * candidateCount + c] != target) {
			continue;
		}
		float p[COEFF_COUNT];
		float n = 0.0f;
		if (decode(table, counts, s, candidateStart + c, stride, p)) {
			for (int k = 0; k < COEFF_COUNT; k++) {
				n += p[k] * p[k];
			}
		}
		if (bi < 0 || n < bn) {
			bn = n;
			bi = c;
		}
	}
	norms[lid] = bn;
	slots[lid] = bi;
	barrier(CLK_LOCAL_MEM_FENCE);
	for (int off = lsize / 2; off > 0; off >>= 1) {
		if (lid < off) {
			int other = slots[lid + off];
			int mine = slots[lid];
			if (other >= 0 && (mine < 0 || norms[lid + off] < norms[lid] ||
			    (norms[lid + off] == norms[lid] && other < mine))) {
				norms[lid] = norms[lid + off];
				slots[lid] = other;
			}
		}
		barrier(CLK_LOCAL_MEM_FENCE);
	}
	if (lid == 0) {
		position[s] = slots[0];
	}
}
`

func inputFragment(in Input) string {
	if in == InputImage {
		return `#define IMAGE_T __read_only image2d_t
__constant sampler_t pixel_sampler = CLK_NORMALIZED_COORDS_FALSE | CLK_ADDRESS_CLAMP_TO_EDGE | CLK_FILTER_NEAREST;
#define FETCH(img, x, y, w, h) (read_imagef((img), pixel_sampler, (int2)((x), (y))).x)`
	}
	return `#define IMAGE_T __global const float*
#define FETCH(img, x, y, w, h) ((img)[clamp((y), 0, (h) - 1) * (w) + clamp((x), 0, (w) - 1)])`
}

func pointFragment(l Layout) string {
	if l == Planar {
		return `#define POINT_X(pts, s, i, n) ((pts)[(s) * 2 * (n) + (i)])
#define POINT_Y(pts, s, i, n) ((pts)[(s) * 2 * (n) + (n) + (i)])`
	}
	return `#define POINT_X(pts, s, i, n) ((pts)[2 * ((s) * (n) + (i))])
#define POINT_Y(pts, s, i, n) ((pts)[2 * ((s) * (n) + (i)) + 1])`
}

func deformationFragment(o deformation.Order) string {
	switch o {
	case deformation.First:
		return `#define DISPLACE_X(p, dx, dy) ((p)[0] + (p)[2] * (dx) + (p)[3] * (dy))
#define DISPLACE_Y(p, dx, dy) ((p)[1] + (p)[4] * (dx) + (p)[5] * (dy))`
	case deformation.Second:
		return `#define DISPLACE_X(p, dx, dy) ((p)[0] + (p)[2] * (dx) + (p)[3] * (dy) + \
	0.5f * (p)[6] * (dx) * (dx) + (p)[7] * (dx) * (dy) + 0.5f * (p)[8] * (dy) * (dy))
#define DISPLACE_Y(p, dx, dy) ((p)[1] + (p)[4] * (dx) + (p)[5] * (dy) + \
	0.5f * (p)[9] * (dx) * (dx) + (p)[10] * (dx) * (dy) + 0.5f * (p)[11] * (dy) * (dy))`
	}
	return `#define DISPLACE_X(p, dx, dy) ((p)[0])
#define DISPLACE_Y(p, dx, dy) ((p)[1])`
}

func interpolationFragment(i imaging.Interpolation) string {
	if i == imaging.Bicubic {
		return `#define MARGIN 1.0f
int inside(float x, float y, int w, int h)
{
	return x >= MARGIN && y >= MARGIN && x <= (float)(w - 1) - MARGIN && y <= (float)(h - 1) - MARGIN;
}

float cubic_weight(float t)
{
	t = fabs(t);
	if (t <= 1.0f) {
		return (CUBIC_A + 2.0f) * t * t * t - (CUBIC_A + 3.0f) * t * t + 1.0f;
	}
	if (t < 2.0f) {
		return CUBIC_A * t * t * t - 5.0f * CUBIC_A * t * t + 8.0f * CUBIC_A * t - 4.0f * CUBIC_A;
	}
	return 0.0f;
}

float interpolate(IMAGE_T img, int w, int h, float x, float y)
{
	float x0 = floor(x);
	float y0 = floor(y);
	float fx = x - x0;
	float fy = y - y0;
	int ix = (int)x0;
	int iy = (int)y0;
	float v = 0.0f;
	for (int j = 0; j < 4; j++) {
		float row = 0.0f;
		for (int i = 0; i < 4; i++) {
			row += cubic_weight(fx - (float)(i - 1)) * FETCH(img, ix + i - 1, iy + j - 1, w, h);
		}
		v += cubic_weight(fy - (float)(j - 1)) * row;
	}
	return v;
}`
	}
	return `#define MARGIN 0.0f
int inside(float x, float y, int w, int h)
{
	return x >= MARGIN && y >= MARGIN && x <= (float)(w - 1) - MARGIN && y <= (float)(h - 1) - MARGIN;
}

float interpolate(IMAGE_T img, int w, int h, float x, float y)
{
	float x0 = floor(x);
	float y0 = floor(y);
	float fx = x - x0;
	float fy = y - y0;
	int ix = (int)x0;
	int iy = (int)y0;
	float top = mix(FETCH(img, ix, iy, w, h), FETCH(img, ix + 1, iy, w, h), fx);
	float bottom = mix(FETCH(img, ix, iy + 1, w, h), FETCH(img, ix + 1, iy + 1, w, h), fx);
	return mix(top, bottom, fy);
}`
}

func decodeFragment(usesLimits bool, l Layout) string {
	if usesLimits {
		minAt, stepAt := "lim[3 * k]", "lim[3 * k + 2]"
		if l == Planar {
			minAt, stepAt = "lim[k]", "lim[2 * COEFF_COUNT + k]"
		}
		return `int decode(__global const float* table, __global const int* counts, int s, long idx, int stride, float* p)
{
	__global const float* lim = table + s * 3 * COEFF_COUNT;
	__global const int* cnt = counts + s * COEFF_COUNT;
	long total = 1;
	for (int k = 0; k < COEFF_COUNT; k++) {
		total *= cnt[k];
	}
	if (idx < 0 || idx >= total) {
		return 0;
	}
	for (int k = 0; k < COEFF_COUNT; k++) {
		long digit = idx % cnt[k];
		idx /= cnt[k];
		p[k] = ` + minAt + ` + (float)digit * ` + stepAt + `;
	}
	return 1;
}`
	}
	at := "table[((long)s * stride + idx) * COEFF_COUNT + k]"
	if l == Planar {
		at = "table[(long)s * stride * COEFF_COUNT + (long)k * stride + idx]"
	}
	return `int decode(__global const float* table, __global const int* counts, int s, long idx, int stride, float* p)
{
	if (idx < 0 || idx >= counts[s]) {
		return 0;
	}
	for (int k = 0; k < COEFF_COUNT; k++) {
		p[k] = ` + at + `;
	}
	return 1;
}`
}

func criterionFragment(c Criterion) string {
	switch c {
	case ZNSSD:
		return `float criterion(float sw, float sf, float sg, float sff, float sgg, float sfg)
{
	float vf = sff - sf * sf / sw;
	float vg = sgg - sg * sg / sw;
	if (vf <= 0.0f || vg <= 0.0f) {
		return 0.5f;
	}
	float zncc = clamp((sfg - sf * sg / sw) * rsqrt(vf * vg), -1.0f, 1.0f);
	return 0.5f * (1.0f + zncc);
}`
	case NCC:
		return `float criterion(float sw, float sf, float sg, float sff, float sgg, float sfg)
{
	if (sff <= 0.0f || sgg <= 0.0f) {
		return 0.0f;
	}
	return clamp(sfg * rsqrt(sff * sgg), -1.0f, 1.0f);
}`
	}
	return `float criterion(float sw, float sf, float sg, float sff, float sgg, float sfg)
{
	float vf = sff - sf * sf / sw;
	float vg = sgg - sg * sg / sw;
	if (vf <= 0.0f || vg <= 0.0f) {
		return 0.0f;
	}
	return clamp((sfg - sf * sg / sw) * rsqrt(vf * vg), -1.0f, 1.0f);
}`
}

const entry1D = `__kernel void correlate(KERNEL_ARGS)
{
	long gid = get_global_id(0);
	if (gid >= (long)subsetCount * candidateCount) {
		return;
	}
	int s = (int)(gid / candidateCount);
	int c = (int)(gid % candidateCount);
	out[gid] = correlate_one(CALL_ARGS, s, candidateStart + c);
}`

const entry2D = `__kernel void correlate(KERNEL_ARGS)
{
	int c = get_global_id(0);
	int s = get_global_id(1);
	if (c >= candidateCount || s >= subsetCount) {
		return;
	}
	out[(long)s * candidateCount + c] = correlate_one(CALL_ARGS, s, candidateStart + c);
}`

const entry15D = `__kernel void correlate(KERNEL_ARGS)
{
	int s = get_group_id(0);
	if (s >= subsetCount) {
		return;
	}
	for (int c = get_local_id(0); c < candidateCount; c += get_local_size(0)) {
		out[(long)s * candidateCount + c] = correlate_one(CALL_ARGS, s, candidateStart + c);
	}
}`
