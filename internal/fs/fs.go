// Package fs holds helpers to store key material on disk with tight
// permissions.
package fs

import (
	"errors"
	"fmt"
	"os"
	"os/user"
)

const (
	// DirPerm is the permission of folders holding key material.
	DirPerm = 0740
	// FilePerm is the permission of private files.
	FilePerm = 0600
)

// HomeFolder returns the home directory of the current user, the working
// directory when it cannot be determined.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		return "."
	}
	return u.HomeDir
}

// CreateSecureFolder creates folder with DirPerm if it does not exist. It
// returns an error if the folder exists with looser permissions.
func CreateSecureFolder(folder string) (string, error) {
	info, err := os.Lstat(folder)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(folder, DirPerm); err != nil {
			return "", err
		}
		return folder, nil
	case err != nil:
		return "", err
	case !info.IsDir():
		return "", fmt.Errorf("fs: %s is not a directory", folder)
	}
	if perm := info.Mode().Perm(); perm&0007 != 0 {
		return "", fmt.Errorf("fs: folder %s is world accessible (%#o)", folder, perm)
	}
	return folder, nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// CreateSecureFile creates (or truncates) file with FilePerm.
func CreateSecureFile(file string) (*os.File, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Chmod(FilePerm); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}
