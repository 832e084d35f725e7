package models

// Chunk is a contiguous segment of a document. Start and End are rune
// offsets into the normalized document; Text equals document[Start:End].
// OverlapPrefix runes at the start of Text repeat the tail of the previous
// chunk, OverlapSuffix runes at the end repeat the head of the next one.
type Chunk struct {
	Index         int    `json:"index"`
	Text          string `json:"text"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	OverlapPrefix int    `json:"overlap_prefix"`
	OverlapSuffix int    `json:"overlap_suffix"`
}

// ReduceNode is one merge in the reduce tree. Level 0 nodes are the map
// outputs; a node at level L+1 merges up to fan-in adjacent level L nodes.
type ReduceNode struct {
	Level  int      `json:"level"`
	Index  int      `json:"index"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
}
