package pe

// COFF relocation types not defined by debug/pe.
const (
	IMAGE_REL_AMD64_ABSOLUTE = 0x0000
	IMAGE_REL_AMD64_ADDR64   = 0x0001
	IMAGE_REL_AMD64_ADDR32   = 0x0002
	IMAGE_REL_AMD64_ADDR32NB = 0x0003
	IMAGE_REL_AMD64_REL32    = 0x0004
	IMAGE_REL_AMD64_REL32_1  = 0x0005
	IMAGE_REL_AMD64_REL32_2  = 0x0006
	IMAGE_REL_AMD64_REL32_3  = 0x0007
	IMAGE_REL_AMD64_REL32_4  = 0x0008
	IMAGE_REL_AMD64_REL32_5  = 0x0009
	IMAGE_REL_AMD64_SECTION  = 0x000a
	IMAGE_REL_AMD64_SECREL   = 0x000b
	IMAGE_REL_AMD64_SECREL7  = 0x000c

	IMAGE_REL_I386_ABSOLUTE = 0x0000
	IMAGE_REL_I386_DIR16    = 0x0001
	IMAGE_REL_I386_REL16    = 0x0002
	IMAGE_REL_I386_DIR32    = 0x0006
	IMAGE_REL_I386_DIR32NB  = 0x0007
	IMAGE_REL_I386_SECTION  = 0x000a
	IMAGE_REL_I386_SECREL   = 0x000b
	IMAGE_REL_I386_SECREL7  = 0x000d
	IMAGE_REL_I386_REL32    = 0x0014

	IMAGE_REL_ARM_ADDR32   = 0x0001
	IMAGE_REL_ARM_ADDR32NB = 0x0002
	IMAGE_REL_ARM_BRANCH24 = 0x0003
	IMAGE_REL_ARM_REL32    = 0x000a
	IMAGE_REL_ARM_SECTION  = 0x000e
	IMAGE_REL_ARM_SECREL   = 0x000f

	IMAGE_REL_ARM64_ADDR32   = 0x0001
	IMAGE_REL_ARM64_ADDR32NB = 0x0002
	IMAGE_REL_ARM64_BRANCH26 = 0x0003
	IMAGE_REL_ARM64_SECREL   = 0x0008
	IMAGE_REL_ARM64_SECTION  = 0x000d
	IMAGE_REL_ARM64_ADDR64   = 0x000e
	IMAGE_REL_ARM64_REL32    = 0x0011
)

// Base relocation types.
const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_HIGHADJ  = 4
	IMAGE_REL_BASED_DIR64    = 10
)

// Symbol section numbers and storage classes.
const (
	IMAGE_SYM_UNDEFINED = 0
	IMAGE_SYM_ABSOLUTE  = -1
	IMAGE_SYM_DEBUG     = -2

	IMAGE_SYM_CLASS_EXTERNAL      = 2
	IMAGE_SYM_CLASS_STATIC        = 3
	IMAGE_SYM_CLASS_LABEL         = 6
	IMAGE_SYM_CLASS_FUNCTION      = 101
	IMAGE_SYM_CLASS_FILE          = 103
	IMAGE_SYM_CLASS_SECTION       = 104
	IMAGE_SYM_CLASS_WEAK_EXTERNAL = 105

	IMAGE_SYM_DTYPE_FUNCTION = 2
)

const (
	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b
)

const (
	IMAGE_SCN_LNK_INFO        = 0x00000200
	IMAGE_SCN_LNK_REMOVE      = 0x00000800
	IMAGE_SCN_LNK_COMDAT      = 0x00001000
	IMAGE_SCN_ALIGN_MASK      = 0x00f00000
	IMAGE_SCN_LNK_NRELOC_OVFL = 0x01000000
	IMAGE_SCN_MEM_NOT_PAGED   = 0x08000000
	IMAGE_SCN_MEM_SHARED      = 0x10000000

	IMAGE_SCN_ALIGN_SHIFT = 20
)

const (
	dosHeaderSize        = 64
	peSignature          = "PE\x00\x00"
	fileHeaderSize       = 20
	sectionHeaderSize    = 40
	symbolSize           = 18
	relocSize            = 10
	numDataDirectories   = 16
	optionalHeader32Size = 96 + numDataDirectories*8
	optionalHeader64Size = 112 + numDataDirectories*8
	importDescriptorSize = 20
	exportDirectorySize  = 40
)
