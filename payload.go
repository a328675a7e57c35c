// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/pkg/errors"
)

// File is a binary attachment for a request. Attaching one or more files
// switches the request body from plain JSON to multipart form encoding.
type File struct {
	Name   string
	Reader io.Reader
}

// encodeBody serializes payload, and files if any, into a request body.
// With no files the body is the JSON encoding of payload and the content
// type is application/json. With files the body is a multipart form with
// the JSON payload under the "payload_json" field and each file under
// "files[n]", per the platform's upload convention. The two encodings are
// mutually exclusive per call.
func encodeBody(payload any, files []File) (body io.Reader, contentType string, err error) {
	if payload == nil && len(files) == 0 {
		return nil, "", nil
	}

	var encoded []byte
	if payload != nil {
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, "", errors.WithStack(err)
		}
	}

	if len(files) == 0 {
		return bytes.NewReader(encoded), "application/json", nil
	}

	buf := &bytes.Buffer{}
	form := multipart.NewWriter(buf)
	if encoded != nil {
		if err = form.WriteField("payload_json", string(encoded)); err != nil {
			return nil, "", errors.WithStack(err)
		}
	}
	for index, file := range files {
		part, err := form.CreateFormFile(fmt.Sprintf("files[%d]", index), file.Name)
		if err != nil {
			return nil, "", errors.WithStack(err)
		}
		if _, err = io.Copy(part, file.Reader); err != nil {
			return nil, "", errors.Wrapf(err, "reading attachment %q", file.Name)
		}
	}
	if err = form.Close(); err != nil {
		return nil, "", errors.WithStack(err)
	}
	return buf, form.FormDataContentType(), nil
}
