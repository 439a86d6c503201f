package sync

import "github.com/nestal/heartyrabbit/client"

// Missing returns the identifiers of blobs present in src but absent from
// dst. Blobs are content-addressed, so identifier equality is content
// equality and nothing else needs comparing. dst may be nil when the
// destination collection does not exist yet.
func Missing(src, dst *client.Collection) []string {
	var missing []string
	for id := range src.Elements {
		if dst == nil {
			missing = append(missing, id)
			continue
		}
		if _, ok := dst.Elements[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
