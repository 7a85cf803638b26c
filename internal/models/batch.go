package models

// Blob is a binary payload attached to a record.
type Blob struct {
	ID       string `json:"id"`
	RecordID string `json:"recordId"`
	Data     []byte `json:"data"`
}

// Batch is one delivery from the storage substrate, from a subscription or a fetch.
type Batch struct {
	Records          []Record `json:"nodes"`
	Blobs            []Blob   `json:"blobs,omitempty"`
	DeletedRecordIDs []string `json:"deletedNodes,omitempty"`
	DeletedBlobIDs   []string `json:"deletedBlobIds,omitempty"`
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Blobs) == 0 && len(b.DeletedRecordIDs) == 0 && len(b.DeletedBlobIDs) == 0
}

// FilterBlobs returns the blobs attached to recordID.
func FilterBlobs(recordID string, blobs []Blob) []Blob {
	var out []Blob
	for _, b := range blobs {
		if b.RecordID == recordID {
			out = append(out, b)
		}
	}
	return out
}
