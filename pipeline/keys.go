package pipeline

import "fmt"

// Object-store layout. All artifacts for one sheet live under a stable prefix
// so that stage side effects are idempotent PUTs by key:
//
//	organizations/{org}/projects/{project}/plans/{plan}/original.pdf
//	organizations/{org}/projects/{project}/plans/{plan}/sheets/{n}/page.pdf
//	organizations/{org}/projects/{project}/plans/{plan}/sheets/{n}/sheet.dzi
//	organizations/{org}/projects/{project}/plans/{plan}/sheets/{n}/tiles/{level}/{col}_{row}.jpg

// PlanPrefix returns the object-store prefix for one plan.
func PlanPrefix(orgID, projectID, planID string) string {
	return fmt.Sprintf("organizations/%s/projects/%s/plans/%s", orgID, projectID, planID)
}

// OriginalKey returns the key of the uploaded source PDF.
func OriginalKey(orgID, projectID, planID string) string {
	return PlanPrefix(orgID, projectID, planID) + "/original.pdf"
}

// SheetPrefix returns the prefix holding all artifacts of one sheet.
func SheetPrefix(orgID, projectID, planID string, sheetNumber int) string {
	return fmt.Sprintf("%s/sheets/%d", PlanPrefix(orgID, projectID, planID), sheetNumber)
}

// PageKey returns the key of the rasterized single-page PDF for one sheet.
func PageKey(orgID, projectID, planID string, sheetNumber int) string {
	return SheetPrefix(orgID, projectID, planID, sheetNumber) + "/page.pdf"
}

// ManifestKey returns the key of the deep-zoom manifest at the sheet root.
func ManifestKey(sheetPrefix string) string {
	return sheetPrefix + "/sheet.dzi"
}

// TileKey returns the key of one tile within a sheet's pyramid.
func TileKey(sheetPrefix string, level, col, row int) string {
	return fmt.Sprintf("%s/tiles/%d/%d_%d.jpg", sheetPrefix, level, col, row)
}
