package panner

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
)

const vbapHullEpsilon = 1e-9

// triangle is three speaker indices (into Layout.Speakers) forming one face
// of the VBAP mesh, with the face's outward unit normal cached.
type triangle struct {
	a, b, c int
	normal  r3.Vector
}

// edge is a directed pair of vertex indices, following a face's winding,
// used only as a map key while finding a hull's horizon during incremental
// construction.
type edge struct{ from, to int }

// VBAP is vector-base amplitude panning: a triangle mesh is built once over
// the speakers' unit directions; each block finds the triangle containing
// the source direction and applies barycentric weights to its three
// speakers. 2D layouts collapse to an arc-pair scheme instead of a mesh.
type VBAP struct {
	layout      *layout.Layout
	triangles   []triangle     // 3D only
	unit        []r3.Vector    // speaker unit directions, by Index
	arcSpeakers []layout.Speaker // 2D only: speakers sorted by azimuth, precomputed
}

// NewVBAP builds the speaker mesh (or azimuth ring, for 2D layouts).
func NewVBAP(l *layout.Layout) *VBAP {
	var unit = make([]r3.Vector, len(l.Speakers))
	for _, s := range l.Speakers {
		unit[s.Index] = speakerCanonicalPosition(s).Normalize()
	}

	var v = &VBAP{layout: l, unit: unit}

	if l.Is2D {
		v.arcSpeakers = sortByAzimuth(l.Speakers)
		return v
	}

	v.triangles = buildConvexHull(unit)
	return v
}

func sortByAzimuth(speakers []layout.Speaker) []layout.Speaker {
	var sorted = append([]layout.Speaker(nil), speakers...)
	for i := 1; i < len(sorted); i++ {
		var j = i
		for j > 0 && sorted[j-1].Azimuth > sorted[j].Azimuth {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			j--
		}
	}
	return sorted
}

// RenderBlock implements Panner.
func (v *VBAP) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {
	if v.layout.Is2D {
		v.renderArc(dir, in, out, n)
		return
	}
	v.renderMesh(dir, in, out, n)
}

func (v *VBAP) renderArc(dir r3.Vector, in []float32, out []float32, n int) {
	if len(v.arcSpeakers) == 0 {
		return
	}
	if len(v.arcSpeakers) == 1 {
		accumulate(v.arcSpeakers[0], 1.0, in, out, n)
		return
	}

	var azimuth = math.Atan2(dir.X, dir.Y)
	var a, b, u = bracketAzimuth(v.arcSpeakers, azimuth)
	var gainA = float32(math.Cos(u * math.Pi / 2))
	var gainB = float32(math.Sin(u * math.Pi / 2))
	accumulate(a, gainA, in, out, n)
	accumulate(b, gainB, in, out, n)
}

// renderMesh finds the triangle containing dir and applies barycentric
// weights. A direction not covered by any triangle (a coverage gap)
// produces silence — the robustness layer above retargets and retries.
func (v *VBAP) renderMesh(dir r3.Vector, in []float32, out []float32, n int) {
	var unitDir = dir
	if nrm := unitDir.Norm(); nrm > vbapHullEpsilon {
		unitDir = unitDir.Mul(1.0 / nrm)
	}

	for _, tri := range v.triangles {
		var g1, g2, g3, ok = barycentricGains(unitDir, v.unit[tri.a], v.unit[tri.b], v.unit[tri.c])
		if !ok {
			continue
		}
		accumulate(v.layout.Speakers[tri.a], float32(g1), in, out, n)
		accumulate(v.layout.Speakers[tri.b], float32(g2), in, out, n)
		accumulate(v.layout.Speakers[tri.c], float32(g3), in, out, n)
		return
	}
	// No covering triangle: intentional silence: see robustness layer.
}

// barycentricGains solves dir = g1*p1 + g2*p2 + g3*p3 for non-negative gi
// (the VBAP gain solution), normalising for unit output power. Returns
// ok=false when the solution has a negative component, meaning dir falls
// outside this triangle.
func barycentricGains(dir, p1, p2, p3 r3.Vector) (g1, g2, g3 float64, ok bool) {
	// Solve the 3x3 system [p1 p2 p3] * g = dir via Cramer's rule.
	var det = matDet(p1, p2, p3)
	if math.Abs(det) < vbapHullEpsilon {
		return 0, 0, 0, false
	}

	g1 = matDet(dir, p2, p3) / det
	g2 = matDet(p1, dir, p3) / det
	g3 = matDet(p1, p2, dir) / det

	const tol = 1e-6
	if g1 < -tol || g2 < -tol || g3 < -tol {
		return 0, 0, 0, false
	}
	if g1 < 0 {
		g1 = 0
	}
	if g2 < 0 {
		g2 = 0
	}
	if g3 < 0 {
		g3 = 0
	}

	var norm = math.Sqrt(g1*g1 + g2*g2 + g3*g3)
	if norm < vbapHullEpsilon {
		return 0, 0, 0, false
	}
	return g1 / norm, g2 / norm, g3 / norm, true
}

// matDet is the determinant of the 3x3 matrix with columns a, b, c.
func matDet(a, b, c r3.Vector) float64 {
	return a.X*(b.Y*c.Z-b.Z*c.Y) - a.Y*(b.X*c.Z-b.Z*c.X) + a.Z*(b.X*c.Y-b.Y*c.X)
}

// buildConvexHull computes the 3D convex hull of points (assumed to be
// unit vectors roughly covering a sphere, as a loudspeaker dome does) via
// incremental insertion, returning its triangular faces with outward
// normals. Degenerate inputs (fewer than 4 non-coplanar points) yield an
// empty mesh; the caller then always falls through to silence, which the
// robustness layer's retarget-and-retry handles like any other gap.
func buildConvexHull(points []r3.Vector) []triangle {
	if len(points) < 4 {
		return nil
	}

	var base, ok = initialTetrahedron(points)
	if !ok {
		return nil
	}

	var faces = base

	for i := range points {
		if i == faceVertex(faces, 0) || contains(faces, i) {
			continue
		}
		faces = insertPoint(faces, points, i)
	}

	return faces
}

func faceVertex(faces []triangle, which int) int {
	if len(faces) == 0 {
		return -1
	}
	switch which {
	case 0:
		return faces[0].a
	case 1:
		return faces[0].b
	default:
		return faces[0].c
	}
}

func contains(faces []triangle, idx int) bool {
	for _, f := range faces {
		if f.a == idx || f.b == idx || f.c == idx {
			return true
		}
	}
	return false
}

// initialTetrahedron searches for four non-coplanar points to seed the hull.
func initialTetrahedron(points []r3.Vector) ([]triangle, bool) {
	var n = len(points)
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			for c := b + 1; c < n; c++ {
				for d := c + 1; d < n; d++ {
					var vol = matDet(points[b].Sub(points[a]), points[c].Sub(points[a]), points[d].Sub(points[a]))
					if math.Abs(vol) < vbapHullEpsilon {
						continue
					}

					var center = points[a].Add(points[b]).Add(points[c]).Add(points[d]).Mul(0.25)
					var tris = []triangle{
						makeFace(a, b, c, points, center),
						makeFace(a, b, d, points, center),
						makeFace(a, c, d, points, center),
						makeFace(b, c, d, points, center),
					}
					return tris, true
				}
			}
		}
	}
	return nil, false
}

// makeFace builds a triangle with its outward normal, flipping winding if
// needed so the normal points away from center (the seed tetrahedron's
// centroid, or in later insertions, the centroid of the current hull's
// vertices from hullCentroid).
func makeFace(a, b, c int, points []r3.Vector, interior r3.Vector) triangle {
	var normal = points[b].Sub(points[a]).Cross(points[c].Sub(points[a]))
	var toFace = points[a].Sub(interior)
	if normal.Dot(toFace) < 0 {
		a, b = b, a
		normal = normal.Mul(-1)
	}
	return triangle{a: a, b: b, c: c, normal: normal.Normalize()}
}

// insertPoint adds points[idx] to the hull if it lies outside any current
// face, removing visible faces and patching the horizon with new faces
// through idx.
func insertPoint(faces []triangle, points []r3.Vector, idx int) []triangle {
	var centroid = hullCentroid(faces, points)

	var visible = make(map[int]bool)
	for i, f := range faces {
		if f.normal.Dot(points[idx].Sub(points[f.a])) > vbapHullEpsilon {
			visible[i] = true
		}
	}
	if len(visible) == 0 {
		return faces // point is inside or on the hull
	}

	// A horizon edge is a directed edge of a visible face whose reverse
	// direction does not also belong to a visible face — i.e. it borders
	// the hull's retained (non-visible) region.
	var visibleDirected = make(map[edge]bool)
	for i, f := range faces {
		if !visible[i] {
			continue
		}
		for _, e := range []edge{{f.a, f.b}, {f.b, f.c}, {f.c, f.a}} {
			visibleDirected[e] = true
		}
	}

	var kept []triangle
	for i, f := range faces {
		if !visible[i] {
			kept = append(kept, f)
		}
	}

	for e := range visibleDirected {
		if !visibleDirected[edge{e.to, e.from}] {
			kept = append(kept, makeFace(e.from, e.to, idx, points, centroid))
		}
	}

	return kept
}

func hullCentroid(faces []triangle, points []r3.Vector) r3.Vector {
	var sum r3.Vector
	var seen = make(map[int]bool)
	var count int
	for _, f := range faces {
		for _, v := range []int{f.a, f.b, f.c} {
			if !seen[v] {
				seen[v] = true
				sum = sum.Add(points[v])
				count++
			}
		}
	}
	if count == 0 {
		return r3.Vector{}
	}
	return sum.Mul(1.0 / float64(count))
}
