package system

import "github.com/soallak/openvslam/feature"

// PopulateStereoDepthForTest exposes populateStereoDepth to system_test,
// following the standard Go export_test.go convention for testing
// unexported helpers from an external test package.
func PopulateStereoDepthForTest(left, right []feature.KeyPoint, focalXBaseline float64) {
	populateStereoDepth(left, right, focalXBaseline)
}
