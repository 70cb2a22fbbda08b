package model

// DelayCoeffCount is the number of polynomial coefficients per receptor/FSP pair.
const DelayCoeffCount = 6

// FSPDelay holds the delay polynomial of one frequency slice processor.
type FSPDelay struct {
	FSID       int       `json:"fsid"`
	DelayCoeff []float64 `json:"delayCoeff"`
}

// ReceptorDelay groups the per-FSP delays of one receptor.
type ReceptorDelay struct {
	Receptor             int        `json:"receptor"`
	ReceptorDelayDetails []FSPDelay `json:"receptorDelayDetails"`
}

// DelayModel is the document published on the CSP subarray leaf's delayModel
// attribute. Epoch is seconds since the Unix epoch at the start of validity.
type DelayModel struct {
	Epoch        float64         `json:"epoch"`
	DelayDetails []ReceptorDelay `json:"delayDetails"`
}
