package interfaces

// URLSigner translates internal result locations (s3:// and friends) into
// time-limited public https URLs
type URLSigner interface {
	Sign(resultURL, mimeType string) (string, error)
}
