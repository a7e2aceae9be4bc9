package extract

import "regexp"

// archivedTitle matches English and French archive or cancellation markers.
// Boundaries are spelled out because \b is ASCII-only.
var archivedTitle = regexp.MustCompile(
	`(?i)(^|[^\p{L}\p{N}])(archived|archivée?|cancell?ed|annulée?|withdrawn|retirée?)($|[^\p{L}\p{N}])`)

// IsArchivedTitle reports whether a title marks the document as archived,
// cancelled or withdrawn.
func IsArchivedTitle(title string) bool {
	return archivedTitle.MatchString(title)
}
