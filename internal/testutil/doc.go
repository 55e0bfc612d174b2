// Package testutil provides fakes shared by package tests.
package testutil
