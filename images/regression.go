package images

import "github.com/chewxy/math32"

// MaxLogDelta bounds the width and height log-deltas before exponentiation so
// that a wild regression output cannot overflow float32.
var MaxLogDelta = math32.Log(1000.0 / 16.0)

// Deltas are the regression targets of a box relative to a reference box.
//
//	TX = (Gx - Ax) / Aw
//	TY = (Gy - Ay) / Ah
//	TW = log(Gw / Aw)
//	TH = log(Gh / Ah)
type Deltas struct {
	TX, TY, TW, TH float32
}

// Scale multiplies each component by the matching factor.
func (d Deltas) Scale(sx, sy, sw, sh float32) Deltas {
	return Deltas{TX: d.TX * sx, TY: d.TY * sy, TW: d.TW * sw, TH: d.TH * sh}
}

// Slice returns the deltas as (tx, ty, tw, th).
func (d Deltas) Slice() []float32 {
	return []float32{d.TX, d.TY, d.TW, d.TH}
}

// EncodeDeltas computes the regression target that moves anchor onto gt.
//
// Both boxes must be valid; callers filter degenerate anchors and ground
// truth before encoding. A degenerate input yields zero deltas.
func EncodeDeltas(anchor, gt Rect) Deltas {
	if !anchor.Valid() || !gt.Valid() {
		return Deltas{}
	}
	a := anchor.ToXYWH()
	g := gt.ToXYWH()
	return Deltas{
		TX: (g.X - a.X) / a.W,
		TY: (g.Y - a.Y) / a.H,
		TW: math32.Log(g.W / a.W),
		TH: math32.Log(g.H / a.H),
	}
}

// DecodeDeltas applies d to anchor. The log terms are clipped to
// [-MaxLogDelta, MaxLogDelta]. The second return value is false when the
// anchor is degenerate or the decoded box is not finite.
func DecodeDeltas(anchor Rect, d Deltas) (Rect, bool) {
	if !anchor.Valid() {
		return Rect{}, false
	}
	a := anchor.ToXYWH()

	tw := math32.Max(math32.Min(d.TW, MaxLogDelta), -MaxLogDelta)
	th := math32.Max(math32.Min(d.TH, MaxLogDelta), -MaxLogDelta)

	out := XYWH{
		X: d.TX*a.W + a.X,
		Y: d.TY*a.H + a.Y,
		W: math32.Exp(tw) * a.W,
		H: math32.Exp(th) * a.H,
	}
	for _, v := range []float32{out.X, out.Y, out.W, out.H} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return Rect{}, false
		}
	}
	return FromXYWH(out), true
}
