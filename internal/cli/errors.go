package cli

import "errors"

var (
	errConfigFileNotFound  = errors.New("config file not found")
	errConfigFileRead      = errors.New("cannot read config file")
	errConfigInvalid       = errors.New("invalid config file")
	errLibraryDirEmpty     = errors.New("library_dir cannot be empty")
	errKeyInvalid          = errors.New("invalid library key")
	errFlagRequiresArg     = errors.New("flag requires an argument")
	errUnknownFlag         = errors.New("unknown flag")
	errUnknownCommand      = errors.New("unknown command")
	errBucketNotConfigured = errors.New("bucket not configured")
)
