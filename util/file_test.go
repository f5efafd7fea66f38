package util_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/weighstation/weighstation/util"
)

var _ = Describe("Config file", func() {

	var (
		tmpDir string
	)

	type TestConfig struct {
		SomeMap   map[string]string
		SomeArray []string
		SomeField int
		BaseURL   string `json:"base_url"`
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "weighstation_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("in JSON format", func() {
		It("should be written and read successfully", func() {
			written := &TestConfig{
				SomeMap:   map[string]string{"key1": "value1", "key2": "value2"},
				SomeArray: []string{"value1", "value2"},
				SomeField: 99,
			}

			file := filepath.Join(tmpDir, "nested", "testconfig.json")
			err := util.WriteJson(context.Background(), file, written)
			Expect(err).NotTo(HaveOccurred())

			read, err := util.ReadJsonWithEnvSub(file, &TestConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(read).NotTo(BeNil())
			Expect(read.(*TestConfig).SomeMap).To(Equal(written.SomeMap))
			Expect(read.(*TestConfig).SomeArray).To(ContainElements(written.SomeArray))
			Expect(read.(*TestConfig).SomeField).To(BeEquivalentTo(written.SomeField))
		})

		It("should not leave temp files behind", func() {
			file := filepath.Join(tmpDir, "testconfig.json")
			Expect(util.WriteJson(context.Background(), file, &TestConfig{SomeField: 1})).To(Succeed())
			Expect(util.WriteJson(context.Background(), file, &TestConfig{SomeField: 2})).To(Succeed())

			entries, err := os.ReadDir(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("should refuse to write with a cancelled context", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
			defer cancel()
			<-ctx.Done()

			err := util.WriteJson(ctx, filepath.Join(tmpDir, "testconfig.json"), &TestConfig{})
			Expect(err).To(MatchError(ContainSubstring("write json start")))
		})
	})

	Describe("with environment substitution", func() {
		It("should replace variables", func() {
			Expect(os.Setenv("WS_TEST_BASE_URL", "http://updates.local/fw")).To(Succeed())
			defer os.Unsetenv("WS_TEST_BASE_URL")

			file := filepath.Join(tmpDir, "config.json")
			err := os.WriteFile(file, []byte(`{"base_url": "{{ .WS_TEST_BASE_URL }}"}`), 0o600)
			Expect(err).NotTo(HaveOccurred())

			read, err := util.ReadJsonWithEnvSub(file, &TestConfig{})
			Expect(err).NotTo(HaveOccurred())
			Expect(read.(*TestConfig).BaseURL).To(Equal("http://updates.local/fw"))
		})

		It("should fail on malformed json", func() {
			file := filepath.Join(tmpDir, "config.json")
			Expect(os.WriteFile(file, []byte(`{"base_url": `), 0o600)).To(Succeed())

			_, err := util.ReadJsonWithEnvSub(file, &TestConfig{})
			Expect(err).To(HaveOccurred())
		})
	})
})
