// Command redirects locates functions annotated with a go:redirect-from
// directive and patches their addresses into the redirect table of the
// kernel image, allowing the kernel to replace runtime functions such as
// runtime.gopanic.
package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared by the go.mod file read from r.
func modulePath(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "reading go.mod")
	}

	return "", errors.New("go.mod does not declare a module path")
}

func pkgPrefix() (string, error) {
	f, err := os.Open("go.mod")
	if err != nil {
		return "", errors.Wrap(err, "locating module root")
	}
	defer f.Close()

	return modulePath(f)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", root)
	}

	return goFiles, nil
}

func findRedirects(prefix string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		cmap := ast.NewCommentMap(fset, f, f.Comments)
		cmap.Filter(f)
		for astNode, commentGroups := range cmap {
			fnDecl, ok := astNode.(*ast.FuncDecl)
			if !ok {
				continue
			}

			for _, commentGroup := range commentGroups {
				for _, comment := range commentGroup.List {
					if !strings.Contains(comment.Text, "go:redirect-from") {
						continue
					}

					// build qualified name to fn
					fqName := fmt.Sprintf("%s/%s.%s",
						prefix,
						filepath.ToSlash(filepath.Dir(goFile)),
						fnDecl.Name,
					)

					fields := strings.Fields(comment.Text)
					if len(fields) != 2 || fields[0] != "//go:redirect-from" {
						return nil, errors.Errorf("malformed go:redirect-from syntax for %q", fqName)
					}

					redirects = append(redirects, &redirect{
						src: fields[1],
						dst: fqName,
					})
				}
			}
		}
	}

	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	return redirects, nil
}

// redirectTable describes where the redirect table lives in the kernel image
// and how its entries are encoded.
type redirectTable struct {
	offset uint64
	class  elf.Class
	order  binary.ByteOrder
}

func elfRedirectTable(imgFile string) (redirectTable, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return redirectTable{}, err
	}
	defer f.Close()

	redirectsSection := f.Section(".goredirectstbl")
	if redirectsSection == nil {
		return redirectTable{}, errors.Errorf("%s: missing .goredirectstbl section", imgFile)
	}

	return redirectTable{
		offset: redirectsSection.Offset,
		class:  f.Class,
		order:  f.ByteOrder,
	}, nil
}

// encodeRedirectTable writes a (src, dst) address pair for each redirect
// using the native word size of the image: 32-bit entries for ELFCLASS32 and
// 64-bit entries for ELFCLASS64 images.
func encodeRedirectTable(w io.Writer, redirects []*redirect, class elf.Class, order binary.ByteOrder) error {
	for _, redirect := range redirects {
		var entry interface{}

		switch class {
		case elf.ELFCLASS32:
			if redirect.srcVMA > math.MaxUint32 || redirect.dstVMA > math.MaxUint32 {
				return errors.Errorf("redirect %s -> %s does not fit a 32-bit table entry", redirect.src, redirect.dst)
			}
			entry = [2]uint32{uint32(redirect.srcVMA), uint32(redirect.dstVMA)}
		case elf.ELFCLASS64:
			entry = [2]uint64{redirect.srcVMA, redirect.dstVMA}
		default:
			return errors.Errorf("unsupported ELF class %s", class)
		}

		if err := binary.Write(w, order, entry); err != nil {
			return errors.Wrap(err, "writing redirect table")
		}
	}

	return nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	table, err := elfRedirectTable(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, os.ModeType)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(table.offset), io.SeekStart); err != nil {
		return err
	}

	return errors.Wrap(encodeRedirectTable(f, redirects, table.class, table.order), imgFile)
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the kernel root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(errors.Errorf("unknown command %q", cmd))
	}

	prefix, err := pkgPrefix()
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles("kernel/")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(prefix, goFiles)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		exit(err)
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		exit(err)
	}
}
