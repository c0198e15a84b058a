package domain

// StorageErrorKind classifies an upload failure.
type StorageErrorKind string

const (
	StorageCredentialsMissing StorageErrorKind = "credentialsMissing"
	StorageFileNotFound       StorageErrorKind = "fileNotFound"
	StorageInvalidCredentials StorageErrorKind = "invalidCredentials"
	StorageUploadError        StorageErrorKind = "uploadError"
)

// UploadResult is either a success with URL or a failure with Error, ErrorKind
// and LocalPath. Use the constructors so the two shapes never mix.
type UploadResult struct {
	Success   bool             `json:"success"`
	URL       string           `json:"url,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind StorageErrorKind `json:"error_kind,omitempty"`
	LocalPath string           `json:"local_path,omitempty"`
}

func UploadSucceeded(url string) UploadResult {
	return UploadResult{Success: true, URL: url}
}

func UploadFailed(kind StorageErrorKind, msg, localPath string) UploadResult {
	if msg == "" {
		msg = string(kind)
	}
	return UploadResult{Success: false, Error: msg, ErrorKind: kind, LocalPath: localPath}
}

// Valid reports whether exactly one of the two shapes is populated.
func (r UploadResult) Valid() bool {
	if r.Success {
		return r.URL != "" && r.Error == "" && r.ErrorKind == "" && r.LocalPath == ""
	}
	return r.URL == "" && r.Error != "" && r.ErrorKind != "" && r.LocalPath != ""
}
