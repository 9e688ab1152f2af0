// Package tiling implements the geometric half of tiled inference: reflecting
// the image border, cutting the result into overlapping square patches, and
// reassembling network output patches into one image.
//
// All split/stitch arithmetic goes through Grid, so the extend, pad, step and
// trim constants used when cutting are exactly the ones used when reassembling.
package tiling
