// Package segmenter turns indexed files into segment descriptors:
// fixed-size segments for large files, shared packed segments for
// small ones, with R descriptor rows per plaintext segment so every
// replica becomes its own article.
package segmenter
