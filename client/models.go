package client

// Permission is the visibility tier of a blob.
type Permission string

const (
	PermPrivate Permission = "private"
	PermShared  Permission = "shared"
	PermPublic  Permission = "public"
)

// Blob is a point-in-time snapshot of one stored object. ID is the
// service-assigned 40-character hex identifier; the client only ever copies
// it out of responses. Data is populated only by the blob-content
// operations, never by listings. Timestamp is zero when the response did not
// carry one.
type Blob struct {
	ID         string
	Filename   string
	Mime       string
	Timestamp  int64
	Permission Permission
	Data       []byte
}

// Collection is a snapshot of one listing response. It has no lifecycle of
// its own: collections materialize when their first blob is uploaded and
// vanish with their last one, so every value here is already stale the
// moment it is returned. Elements is nil for the header-only listings
// produced by ListCollections.
type Collection struct {
	Name     string
	Owner    string
	Cover    string
	Elements map[string]Blob
}

// Wire shapes. Field names follow the service's JSON exactly.

type collectionHeader struct {
	Coll  string `json:"coll"`
	Cover string `json:"cover"`
	Owner string `json:"owner"`
}

type collectionListing struct {
	Colls []collectionHeader `json:"colls"`
}

type blobEntry struct {
	Filename  string `json:"filename"`
	Mime      string `json:"mime"`
	Timestamp int64  `json:"timestamp"`
	Perm      string `json:"perm"`
}

type collectionDetail struct {
	Username   string `json:"username"`
	Collection string `json:"collection"`
	Owner      string `json:"owner"`
	Meta       struct {
		Cover string `json:"cover"`
	} `json:"meta"`
	Elements map[string]blobEntry `json:"elements"`
}

type blobSet struct {
	Elements map[string]blobEntry `json:"elements"`
}

func elementsToBlobs(elements map[string]blobEntry) map[string]Blob {
	blobs := make(map[string]Blob, len(elements))
	for id, e := range elements {
		blobs[id] = Blob{
			ID:         id,
			Filename:   e.Filename,
			Mime:       e.Mime,
			Timestamp:  e.Timestamp,
			Permission: Permission(e.Perm),
		}
	}
	return blobs
}
