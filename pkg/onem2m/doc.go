// Package onem2m defines the shared oneM2M vocabulary used across the CSE:
// resource type codes, operations, response status codes, request and
// response primitives, attribute containers, timestamp formats, content
// serialization and identifier allocation.
//
// Components exchange onem2m.Request / onem2m.Response values and classify
// failures with onem2m.Error, which carries the response status code the
// originator will see.
package onem2m
